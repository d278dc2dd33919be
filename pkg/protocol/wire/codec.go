package wire

import (
	appErr "arena/pkg/errors"
)

const (
	// MaxDepth bounds array nesting accepted by DecodeValue.
	MaxDepth = 32
	// MaxLength bounds a single array length accepted by DecodeValue.
	MaxLength = 1 << 24
	// PreallocLimit caps the capacity reserved up front for a declared
	// length; longer sequences grow as their elements arrive.
	PreallocLimit = 1024
)

// EncodeValue writes v as "0 <value>" for a scalar or "1 <length>" followed
// by the encoded elements for an array, one token per line.
func EncodeValue(c *Conn, v Value) error {
	switch v.Kind {
	case KindScalar:
		if err := c.WriteInt(int64(KindScalar)); err != nil {
			return err
		}
		return c.WriteInt(v.Int)
	case KindArray:
		if err := c.WriteInt(int64(KindArray)); err != nil {
			return err
		}
		if err := c.WriteInt(int64(len(v.Elems))); err != nil {
			return err
		}
		for _, e := range v.Elems {
			if err := EncodeValue(c, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return appErr.Newf(appErr.InvalidParams, "cannot encode value of %s", v.Kind)
	}
}

// DecodeValue reads one value written by EncodeValue. The array length is
// always taken from the stream, never inferred from contents.
func DecodeValue(c *Conn) (Value, error) {
	return decodeValue(c, 0)
}

func decodeValue(c *Conn, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, appErr.Newf(appErr.ProtocolDesyncError, "array nesting deeper than %d", MaxDepth)
	}
	tag, err := c.ReadInt()
	if err != nil {
		return Value{}, err
	}
	switch Kind(tag) {
	case KindScalar:
		v, err := c.ReadInt()
		if err != nil {
			return Value{}, err
		}
		return Scalar(v), nil
	case KindArray:
		n, err := c.ReadInt()
		if err != nil {
			return Value{}, err
		}
		if n < 0 || n > MaxLength {
			return Value{}, appErr.Newf(appErr.ProtocolDesyncError, "invalid array length %d", n)
		}
		elems := make([]Value, 0, min(n, PreallocLimit))
		for i := int64(0); i < n; i++ {
			e, err := decodeValue(c, depth+1)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return Array(elems...), nil
	default:
		return Value{}, appErr.Newf(appErr.ProtocolDesyncError, "invalid value tag %d", tag)
	}
}

// ResourceUsage is the time and memory consumed by a process so far.
type ResourceUsage struct {
	// ElapsedTime is CPU time in seconds.
	ElapsedTime float64 `json:"elapsed_time"`
	// PeakMemory is the peak resident set size in bytes.
	PeakMemory int64 `json:"peak_memory"`
}

// WriteUsage writes the two usage tokens.
func WriteUsage(c *Conn, u ResourceUsage) error {
	if err := c.WriteFloat(u.ElapsedTime); err != nil {
		return err
	}
	return c.WriteInt(u.PeakMemory)
}

// ReadUsage reads the two usage tokens written by WriteUsage.
func ReadUsage(c *Conn) (ResourceUsage, error) {
	t, err := c.ReadFloat()
	if err != nil {
		return ResourceUsage{}, err
	}
	m, err := c.ReadInt()
	if err != nil {
		return ResourceUsage{}, err
	}
	if t < 0 || m < 0 {
		return ResourceUsage{}, appErr.Newf(appErr.ProtocolDesyncError, "negative resource usage %v/%d", t, m)
	}
	return ResourceUsage{ElapsedTime: t, PeakMemory: m}, nil
}
