package indicator

// lineDriver is a single digital output. Close should leave the line low.
type lineDriver interface {
	Set(on bool) error
	Close() error
}
