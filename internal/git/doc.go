// Package git checks whether wallet files are exposed to a git repository.
//
// Checks performed:
//   - Whether the data directory lives inside a git work tree
//   - Whether the wallet database or saved backups are tracked by git
//   - Whether they are covered by .gitignore
package git
