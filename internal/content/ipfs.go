package content

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSNetwork reads blobs through an IPFS node's HTTP API.
type IPFSNetwork struct {
	shell *shell.Shell
}

// NewIPFSNetwork connects to the IPFS API at address (host:port).
func NewIPFSNetwork(address string, timeout time.Duration) *IPFSNetwork {
	sh := shell.NewShell(address)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFSNetwork{shell: sh}
}

// Cat returns the bytes behind the hash.
func (n *IPFSNetwork) Cat(ctx context.Context, multihash string) ([]byte, error) {
	response, err := n.shell.Request("cat", "/ipfs/"+multihash).Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("content: ipfs cat %s: %w", multihash, err)
	}
	defer response.Close() //nolint:errcheck
	if response.Error != nil {
		if strings.Contains(response.Error.Message, "is a directory") {
			return nil, fmt.Errorf("%w: %s", ErrIsDirectory, multihash)
		}
		return nil, fmt.Errorf("content: ipfs cat %s: %w", multihash, response.Error)
	}
	return io.ReadAll(response.Output)
}
