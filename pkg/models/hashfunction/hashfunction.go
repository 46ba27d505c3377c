package hashfunction

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/city"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

type HashFunctionType int

/* Pre-defined hash functions */
const (
	HashFunctionSimple    = HashFunctionType(0)
	HashFunctionBernstein = HashFunctionType(1)
	HashFunctionMurmur    = HashFunctionType(2)
	HashFunctionCity      = HashFunctionType(3)
	HashFunctionXXH3      = HashFunctionType(4)
	HashFunctionXXHash    = HashFunctionType(5)
)

var (
	errUnknownValueType = func(v any, hf HashFunctionType) error {
		return fmt.Errorf("unknown type of value that the hash will be calculated from: %T for %s hash type", v, ToString(hf))
	}
)

// EncodeUInt64 is the canonical byte form of an integer shard key.
func EncodeUInt64(input uint64) []byte {
	const ENCODING_BYTES_BIG = binary.MaxVarintLen64
	const ENCODING_BYTES = 8
	const BOUND = 1 << 56 /* 72057594037927936 */

	sz := ENCODING_BYTES
	if input >= BOUND {
		sz = ENCODING_BYTES_BIG
	}

	buf := make([]byte, sz)
	binary.PutUvarint(buf, input)
	return buf
}

// integer returns the key as an unsigned integer when it has an integer type.
// Signed values are reinterpreted in two's complement.
func integer(key any) (uint64, bool) {
	switch v := key.(type) {
	case int:
		return uint64(v), true
	case int8:
		return uint64(v), true
	case int16:
		return uint64(v), true
	case int32:
		return uint64(v), true
	case int64:
		return uint64(v), true
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}

// CanonicalBytes returns the byte representation every hash function except
// the identity part of "simple" works on.
func CanonicalBytes(key any, hf HashFunctionType) ([]byte, error) {
	if n, ok := integer(key); ok {
		return EncodeUInt64(n), nil
	}
	switch v := key.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case uuid.UUID:
		return v[:], nil
	default:
		return nil, errUnknownValueType(key, hf)
	}
}

// Bernstein is the djb2 string hash widened to 64 bits.
func Bernstein(buf []byte) uint64 {
	var h uint64 = 5381
	for _, c := range buf {
		h = h*33 + uint64(c)
	}
	return h
}

// Apply hashes a shard key with hf. Results are stable across processes and
// releases for a given function.
//
// Parameters:
//   - key: The shard key: an integer, string, []byte or uuid.UUID.
//   - hf: The hash function to apply.
//
// Returns:
//   - uint64: The hash value.
//   - error: An error if the key type is not supported.
func Apply(key any, hf HashFunctionType) (uint64, error) {
	if hf == HashFunctionSimple {
		/* integer keys route by value, everything else by djb2 */
		if n, ok := integer(key); ok {
			return n, nil
		}
	}

	buf, err := CanonicalBytes(key, hf)
	if err != nil {
		return 0, err
	}

	switch hf {
	case HashFunctionSimple, HashFunctionBernstein:
		return Bernstein(buf), nil
	case HashFunctionMurmur:
		return murmur3.Sum64(buf), nil
	case HashFunctionCity:
		return city.Hash64(buf), nil
	case HashFunctionXXH3:
		return xxh3.Hash(buf), nil
	case HashFunctionXXHash:
		return xxhash.Sum64(buf), nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %d", hf)
	}
}

/*
* Apply routing hash function on a key received in its string representation
* (from the command line).
 */
func ApplyOnStringRepr(input string, integerKey bool, hf HashFunctionType) (uint64, error) {
	if !integerKey {
		return Apply(input, hf)
	}
	n, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		return 0, err
	}
	return Apply(n, hf)
}

// HashFunctionByName returns the corresponding HashFunctionType based on the given hash function name.
// It accepts a string parameter `hfn` representing the hash function name.
// It returns the corresponding HashFunctionType and an error if the hash function name is not recognized.
//
// Parameters:
//   - hfn: The name of the hash function.
//
// Returns:
//   - HashFunctionType: The corresponding HashFunctionType.
//   - error: An error if the hash function name is not recognized.
func HashFunctionByName(hfn string) (HashFunctionType, error) {
	switch hfn {
	case "simple", "":
		return HashFunctionSimple, nil
	case "bernstein":
		return HashFunctionBernstein, nil
	case "murmur":
		return HashFunctionMurmur, nil
	case "city":
		return HashFunctionCity, nil
	case "xxh3":
		return HashFunctionXXH3, nil
	case "xxhash":
		return HashFunctionXXHash, nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %s", hfn)
	}
}

// ToString converts a HashFunctionType to its corresponding string representation.
// If the input HashFunctionType is not recognized, an empty string is returned.
func ToString(hf HashFunctionType) string {
	switch hf {
	case HashFunctionSimple:
		return "simple"
	case HashFunctionBernstein:
		return "bernstein"
	case HashFunctionMurmur:
		return "murmur"
	case HashFunctionCity:
		return "city"
	case HashFunctionXXH3:
		return "xxh3"
	case HashFunctionXXHash:
		return "xxhash"
	}
	return ""
}
