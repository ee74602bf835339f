// Provides common kvindex errors definitions.
package index_errors

import "errors"

var (
	ErrTypeMismatch         = errors.New("kvindex: value type does not match field codec")
	ErrValueOutOfRange      = errors.New("kvindex: value out of supported range")
	ErrCorruptEncoding      = errors.New("kvindex: corrupt encoding")
	ErrIrreversibleEncoding = errors.New("kvindex: encoding can not be decoded")
	ErrMalformedIndexEntry  = errors.New("kvindex: malformed index entry")

	ErrDuplicateFieldName = errors.New("kvindex: field name already exists in schema")
	ErrInvalidCodecParams = errors.New("kvindex: invalid codec parameters")
	ErrUnknownCodecKind   = errors.New("kvindex: unknown codec kind")

	ErrLockUnavailable = errors.New("kvindex: index lock unavailable")

	ErrUnroutableEntry = errors.New("kvindex: entry matches no sharding rule")
	ErrUnknownShard    = errors.New("kvindex: unknown shard")

	ErrInvalidJobConf = errors.New("kvindex: invalid job configuration")
	ErrRecordNotFound = errors.New("kvindex: record not found")
	ErrClosed         = errors.New("kvindex: closed")
)
