package tcc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"github.com/OneOfOne/xxhash"
	"github.com/gofrs/uuid/v5"
	"strconv"
	"strings"
)

// XidFormatID is the format tag of every Xid produced by this package.
const XidFormatID int32 = 1

// XidSize is the length of [Xid.Bytes].
const XidSize = 4 + 16 + 16

var (
	// UniqueIdentityGlobalID is the global component shared by every Xid derived from an idempotency key.
	UniqueIdentityGlobalID = uuid.NewV5(uuid.NamespaceOID, "tcc.UniqueIdentity")

	uniqueIdentityNamespace = uuid.NewV5(uuid.NamespaceURL, "tcc:unique-identity")
)

// Xid identifies a transaction: a global component shared by the root and all of its branches and a
// branch component unique to each record. Xid is a value type; a copy never shares state with the
// original.
type Xid struct {
	FormatID int32
	Global   [16]byte
	Branch   [16]byte
}

// NewXid returns an Xid with random global and branch components.
func NewXid() Xid {
	return Xid{
		FormatID: XidFormatID,
		Global:   uuid.Must(uuid.NewV4()),
		Branch:   uuid.Must(uuid.NewV4()),
	}
}

// NewXidFromKey derives an Xid from an idempotency key. The same key always yields the same Xid, which
// lets a repository reject a second root transaction for the key as a duplicate.
func NewXidFromKey(key string) Xid {
	return Xid{
		FormatID: XidFormatID,
		Global:   UniqueIdentityGlobalID,
		Branch:   uuid.NewV5(uniqueIdentityNamespace, key),
	}
}

// NewBranchXid returns an Xid under the given global component with a fresh random branch component.
func NewBranchXid(global [16]byte) Xid {
	return Xid{
		FormatID: XidFormatID,
		Global:   global,
		Branch:   uuid.Must(uuid.NewV4()),
	}
}

// Clone returns a copy of x.
func (x Xid) Clone() Xid {
	return x
}

// NewBranch returns a branch Xid under the global component of x.
func (x Xid) NewBranch() Xid {
	return NewBranchXid(x.Global)
}

// IsZero reports whether x is the zero Xid.
func (x Xid) IsZero() bool {
	return x == Xid{}
}

// IsKeyDerived reports whether x was built by NewXidFromKey.
func (x Xid) IsKeyDerived() bool {
	return x.Global == UniqueIdentityGlobalID
}

// String returns "global:branch". An Xid of a format other than XidFormatID is prefixed with
// "format/".
func (x Xid) String() string {
	s := uuid.UUID(x.Global).String() + ":" + uuid.UUID(x.Branch).String()
	if x.FormatID != XidFormatID {
		return strconv.FormatInt(int64(x.FormatID), 10) + "/" + s
	}
	return s
}

// Bytes returns the fixed-size binary form of x, suitable as a storage key.
func (x Xid) Bytes() []byte {
	b := make([]byte, XidSize)
	binary.BigEndian.PutUint32(b[:4], uint32(x.FormatID))
	copy(b[4:20], x.Global[:])
	copy(b[20:], x.Branch[:])
	return b
}

// Hash returns a hash over the format tag and both components.
func (x Xid) Hash() uint64 {
	return xxhash.Checksum64(x.Bytes())
}

// ParseXid parses the String form of an Xid.
func ParseXid(s string) (Xid, error) {
	format := XidFormatID
	if prefix, rest, ok := strings.Cut(s, "/"); ok {
		f, err := strconv.ParseInt(prefix, 10, 32)
		if err != nil {
			return Xid{}, fmt.Errorf("#TCC_INVALID_XID: format: %w", err)
		}
		format, s = int32(f), rest
	}
	global, branch, ok := strings.Cut(s, ":")
	if !ok {
		return Xid{}, fmt.Errorf("#TCC_INVALID_XID: %q", s)
	}
	g, err := uuid.FromString(global)
	if err != nil {
		return Xid{}, fmt.Errorf("#TCC_INVALID_XID: global component: %w", err)
	}
	b, err := uuid.FromString(branch)
	if err != nil {
		return Xid{}, fmt.Errorf("#TCC_INVALID_XID: branch component: %w", err)
	}
	return Xid{FormatID: format, Global: g, Branch: b}, nil
}

// XidFromBytes is the inverse of Xid.Bytes.
func XidFromBytes(b []byte) (Xid, error) {
	if len(b) != XidSize {
		return Xid{}, fmt.Errorf("#TCC_INVALID_XID: %d bytes", len(b))
	}
	var x Xid
	x.FormatID = int32(binary.BigEndian.Uint32(b[:4]))
	copy(x.Global[:], b[4:20])
	copy(x.Branch[:], b[20:])
	return x, nil
}

type xidWire struct {
	FormatID int32  `json:"formatId"`
	Global   []byte `json:"globalTransactionId"`
	Branch   []byte `json:"branchQualifier"`
}

func (x Xid) MarshalJSON() ([]byte, error) {
	return json.Marshal(xidWire{FormatID: x.FormatID, Global: x.Global[:], Branch: x.Branch[:]})
}

func (x *Xid) UnmarshalJSON(data []byte) error {
	var w xidWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Global) != len(x.Global) || len(w.Branch) != len(x.Branch) {
		return fmt.Errorf("#TCC_INVALID_XID: components must be %d bytes", len(x.Global))
	}
	x.FormatID = w.FormatID
	copy(x.Global[:], w.Global)
	copy(x.Branch[:], w.Branch)
	return nil
}
