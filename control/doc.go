// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime control plane for the reactor:
//   - ConfigStore holds hot-reloadable tunables and notifies listeners
//   - Metrics exposes prometheus collectors on a private registry
//   - DebugProbes reports reactor state for inspection
package control
