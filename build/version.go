package build

import "fmt"

const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 3

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0

	// AppName is advertised in the user agent of every version message.
	AppName = "qtumsync"
)

// Commit is set at link time to the git commit this binary was built from.
var Commit string

// Version returns the application version as a properly formed string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
}

// UserAgent returns the BIP-0014 style user agent advertised to peers.
func UserAgent() string {
	return fmt.Sprintf("/%s:%s/", AppName, Version())
}
