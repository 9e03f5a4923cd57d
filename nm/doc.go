// Package nm manages WireGuard connection profiles through
// NetworkManager's D-Bus API.
//
// All calls into NetworkManager happen on a single dedicated
// OS-thread-locked goroutine owned by a Loop. Asynchronous service
// completions are bridged to awaitable futures that are settled exactly
// once from the loop goroutine. On top of that sit:
//
//   - Client: the facade for profile lifecycle (add, activate, remove,
//     list, query-active) and applied-state retrieval
//   - RefreshEngine: zero-downtime credential rotation, choosing
//     between a live in-place reapply of an active profile and a saved
//     profile update for an inactive one
//
// A Service implementation backs the Client; DBusService talks to the
// real NetworkManager daemon, and tests substitute an in-memory fake.
package nm
