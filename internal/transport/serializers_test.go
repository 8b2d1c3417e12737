package transport

import (
	"testing"
	"time"
)

type sample struct {
	Name      string    `json:"name" cbor:"1,keyasint"`
	CreatedAt time.Time `json:"createdAt" cbor:"2,keyasint"`
	ChangedAt time.Time `json:"changedAt" cbor:"3,keyasint"`
}

func TestSerializerRoundTrip(t *testing.T) {
	serializers := map[string]Serializer{
		"json": JSONSerializer{},
		"cbor": CBORSerializer{},
	}
	src := sample{Name: "record", CreatedAt: time.Now().Round(0).UTC()}

	for name, srz := range serializers {
		t.Run(name, func(t *testing.T) {
			data, err := srz.Marshal(src)
			if nil != err {
				t.Fatalf("Failed marshaling, got error %v", err)
			}
			var dst sample
			err = srz.Unmarshal(data, &dst)
			if nil != err {
				t.Fatalf("Failed unmarshaling, got error %v", err)
			}
			if dst.Name != src.Name {
				t.Error("Failed name round trip")
			}
			if !dst.CreatedAt.Equal(src.CreatedAt) {
				t.Errorf("Failed time round trip, %v != %v", dst.CreatedAt, src.CreatedAt)
			}
			// the zero time must survive unchanged, store code relies on IsZero
			if !dst.ChangedAt.IsZero() {
				t.Errorf("Failed zero time round trip, %v", dst.ChangedAt)
			}
		})
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	for name, srz := range map[string]Serializer{"json": JSONSerializer{}, "cbor": CBORSerializer{}} {
		var dst sample
		err := srz.Unmarshal([]byte{0xFF, 0x00, 0x01}, &dst)
		if nil == err {
			t.Errorf("Failed garbage rejection for %s", name)
		}
	}
}
