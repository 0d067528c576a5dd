// Package session owns the lifecycle of analysis sessions.
//
// Invariants:
//   - Every state change goes through the transition table in state.go.
//   - A session's data is only touched under its own lock; different
//     sessions never block each other.
//   - PAUSED resumes to exactly the state it was entered from.
//   - Q&A history only grows while the session is INTERACTIVE and is capped.
//   - Evicted and closed sessions fire the eviction hooks once.
//
// Usage:
//
//	mgr := session.NewManager(session.Config{Logger: logger})
//	s, _ := mgr.Create(ctx, session.Params{Topic: "quantum error correction", ItemCount: 5})
//	_ = mgr.Transition(ctx, s.ID, session.Retrieving, nil)
//	cp, _ := mgr.Pause(ctx, s.ID)
//	_, _ = mgr.Resume(ctx, s.ID)
package session
