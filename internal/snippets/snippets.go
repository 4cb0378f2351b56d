// Package snippets is the write-only contract to the remote
// config-snippet store where cloud-init documents are staged. The
// transport (SFTP to the node's snippet directory) lives outside this
// module.
package snippets

import "context"

// Store uploads snippet files by name. Implementations must overwrite
// silently; names are fresh random ids so collisions don't happen in
// practice.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
}
