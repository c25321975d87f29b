// Package version provides the client identification string a peer logs
// at startup.
package version

var ClientVersion string

func init() {
	ClientVersion = "p2pchunk/0.1"
}
