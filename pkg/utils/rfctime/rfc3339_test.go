package rfctime_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opst/deepff/pkg/utils/rfctime"
	"github.com/opst/deepff/pkg/utils/try"
)

func TestRFC3339(t *testing.T) {
	t.Run("it formats with a numeric offset", func(t *testing.T) {
		testee := rfctime.RFC3339(time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC))
		if got := testee.String(); got != "2024-05-06T07:08:09.123+00:00" {
			t.Errorf("String: %s", got)
		}
	})

	t.Run("it round-trips through JSON", func(t *testing.T) {
		type doc struct {
			At *rfctime.RFC3339 `json:"at"`
		}
		at := try.To(rfctime.Parse("2024-05-06T16:08:09.5+09:00")).OrFatal(t)
		b := try.To(json.Marshal(doc{At: &at})).OrFatal(t)
		if string(b) != `{"at":"2024-05-06T16:08:09.5+09:00"}` {
			t.Errorf("marshalled: %s", b)
		}

		var got doc
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		if !got.At.Equal(&at) {
			t.Errorf("unmarshalled: actual = %s, expected = %s", got.At, at)
		}
	})

	t.Run("null is left unset", func(t *testing.T) {
		var got struct {
			At *rfctime.RFC3339 `json:"at"`
		}
		if err := json.Unmarshal([]byte(`{"at":null}`), &got); err != nil {
			t.Fatal(err)
		}
		if got.At != nil {
			t.Errorf("unexpected: %s", got.At)
		}
	})

	t.Run("it rejects non-RFC3339 strings", func(t *testing.T) {
		var got rfctime.RFC3339
		if err := json.Unmarshal([]byte(`"2024/05/06"`), &got); err == nil {
			t.Error("no error")
		}
	})

	t.Run("Now is in milliseconds", func(t *testing.T) {
		now := rfctime.Now().Time()
		if now.Nanosecond()%int(time.Millisecond) != 0 {
			t.Errorf("not truncated: %s", now)
		}
	})
}
