package account

import "time"

func (m *Manager) SetClock(now func() time.Time) { m.now = now }
