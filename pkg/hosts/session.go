package hosts

import "sync"

// Session is the per-caller scope: the selected host id and the elevation
// secret used for privileged backups. The secret lives in memory only and
// is cleared on session end or by an explicit call.
type Session struct {
	mu       sync.Mutex
	selected string
	sudoPass string
}

func NewSession() *Session {
	return &Session{selected: LocalID}
}

func (s *Session) SelectHost(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
}

func (s *Session) SelectedHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) SetElevationSecret(secret string) {
	s.mu.Lock()
	s.sudoPass = secret
	s.mu.Unlock()
}

func (s *Session) ElevationSecret() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sudoPass, s.sudoPass != ""
}

func (s *Session) ClearElevationSecret() {
	s.mu.Lock()
	s.sudoPass = ""
	s.mu.Unlock()
}
