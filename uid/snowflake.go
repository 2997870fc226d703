package uid

import (
	"math/rand"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ID identifies audit events and rotation runs. It sorts by creation time.
type ID snowflake.ID

var idGen *snowflake.Node

func init() {
	snowflake.Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	var err error

	//nolint:gosec // do not need cryptographic random value here
	idGen, err = snowflake.NewNode(rand.Int63n(1024))
	if err != nil {
		panic(err)
	}
}

func New() ID {
	return ID(idGen.Generate())
}

func Parse(b []byte) (ID, error) {
	id, err := snowflake.ParseBase58(b)
	if err != nil {
		return 0, err
	}

	return ID(id), nil
}

func (u ID) String() string {
	return snowflake.ID(u).Base58()
}

// Time returns the time the ID was generated, at millisecond precision.
func (u ID) Time() time.Time {
	return time.UnixMilli(snowflake.ID(u).Time())
}

func (u ID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *ID) UnmarshalText(b []byte) error {
	id, err := Parse(b)
	if err != nil {
		return err
	}

	*u = id

	return nil
}
