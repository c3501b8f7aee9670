package appcontext

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextId int

const (
	operationKeyId contextId = iota
	hostIdKeyId
	stageKeyId
	strategyKeyId
	requestIdKeyId
)

func WithRequestId(ctx context.Context, requestId string) context.Context {
	return context.WithValue(ctx, requestIdKeyId, requestId)
}

func WithOperationKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, operationKeyId, key)
}

func WithHostId(ctx context.Context, hostId string) context.Context {
	return context.WithValue(ctx, hostIdKeyId, hostId)
}

func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKeyId, stage)
}

func WithStrategy(ctx context.Context, strategy string) context.Context {
	return context.WithValue(ctx, strategyKeyId, strategy)
}

func LoggerFromContext(logger logrus.FieldLogger, ctx context.Context) logrus.FieldLogger {
	if ctx == nil {
		return logger
	}

	result := logger

	if key, ok := ctx.Value(operationKeyId).(string); ok && key != "" {
		result = result.WithField("operation_key", key)
	}

	if hostId, ok := ctx.Value(hostIdKeyId).(string); ok && hostId != "" {
		result = result.WithField("host_id", hostId)
	}

	if stage, ok := ctx.Value(stageKeyId).(string); ok && stage != "" {
		result = result.WithField("stage", stage)
	}

	if strategy, ok := ctx.Value(strategyKeyId).(string); ok && strategy != "" {
		result = result.WithField("strategy", strategy)
	}

	if requestId, ok := ctx.Value(requestIdKeyId).(string); ok && requestId != "" {
		result = result.WithField("request_id", requestId)
	}

	return result
}
