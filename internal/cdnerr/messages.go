package cdnerr

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Message renders the plain-text body sent with an error response. name is the
// requested or generated object name, e.g. "abcdefgh.png".
func Message(err error, name string) string {
	var (
		blocked  *BlockedError
		tooLarge *TooLargeError
		badURL   *InvalidURLError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return fmt.Sprintf("FileNotFound: '%s' does not exist on this server.\n", name)
	case errors.Is(err, ErrGone):
		return fmt.Sprintf("FileDeleted: '%s' existed but has been removed from the server filesystem.\n", name)
	case errors.As(err, &blocked):
		return fmt.Sprintf("InvalidType: '%s' is not allowed.\n", blocked.Value)
	case errors.As(err, &tooLarge):
		return fmt.Sprintf("FileTooBig: '%s' exceeds the maximum allowed size of %s.\n", name, humanize.IBytes(uint64(tooLarge.Limit)))
	case errors.Is(err, ErrMissingField):
		return "MissingField: the upload did not contain a \"file\" field.\n"
	case errors.As(err, &badURL):
		return fmt.Sprintf("InvalidURL: invalid URL format provided: '%s'\n", badURL.Input)
	case errors.Is(err, ErrAllocation):
		return fmt.Sprintf("NameGeneration: failed to generate a name: %v\n", err)
	case errors.Is(err, ErrStoreUnavailable):
		return fmt.Sprintf("StoreUnavailable: could not reach the metadata store for '%s'.\n", name)
	case errors.Is(err, ErrSerialization):
		return fmt.Sprintf("CorruptRecord: failed to parse the stored record for '%s'.\n", name)
	case errors.Is(err, ErrIO):
		return fmt.Sprintf("IOError: %v\n", err)
	default:
		return fmt.Sprintf("InternalError: %v\n", err)
	}
}
