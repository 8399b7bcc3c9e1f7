package checkpoint

const (
	majorVersion = 1
	minorVersion = 0
)

// Version returns the library version encoded as MAJOR + MINOR/10.
func Version() float32 {
	return majorVersion + minorVersion/10.0
}
