// Package preflight provides readiness checks for the filesystem paths,
// device activation and external tools acsmconv depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and refuses to serve when the
//     activation is unusable, since every job would fail its precondition.
//   - The CLI "acsmconv check" command prints every result alongside the
//     dependency report from CheckSystemDeps.
package preflight
