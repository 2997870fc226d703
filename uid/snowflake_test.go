package uid_test

import (
	"encoding/json"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/infrahq/lockbox/uid"
)

func TestJSONRoundTrip(t *testing.T) {
	obj := struct {
		ID uid.ID `json:"id"`
	}{ID: uid.New()}

	b, err := json.Marshal(obj)
	assert.NilError(t, err)
	assert.Equal(t, string(b), `{"id":"`+obj.ID.String()+`"}`)

	var out struct {
		ID uid.ID `json:"id"`
	}
	assert.NilError(t, json.Unmarshal(b, &out))
	assert.Equal(t, obj.ID, out.ID)
}

func TestIDsAreOrdered(t *testing.T) {
	first := uid.New()
	time.Sleep(2 * time.Millisecond)
	second := uid.New()

	assert.Assert(t, first < second)
	assert.Assert(t, !second.Time().Before(first.Time()))
}

func TestParseRejectsGarbage(t *testing.T) {
	id, err := uid.Parse([]byte("not-an-id!"))
	assert.Assert(t, is.ErrorContains(err, ""))
	assert.Equal(t, uid.ID(0), id)
}
