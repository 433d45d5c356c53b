package keyshift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestLocationRecordPayload(t *testing.T) {
	rec := LocationRecord{
		Endpoints: []string{"http://a:8080/host/", "http://b:8080/host/"},
		Version:   7,
		TTL:       time.Hour,
	}

	got, err := ParseLocationRecord(rec.Payload(), rec.Version, rec.TTL)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.Equal(t, "http://a:8080/host/", got.Primary())
	require.Equal(t, []string{"http://b:8080/host/"}, got.Secondaries())
}

func TestLocationRecordEmpty(t *testing.T) {
	rec, err := ParseLocationRecord(nil, 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, rec.Primary())
	require.Nil(t, rec.Secondaries())
	require.False(t, rec.IsPrimary("http://a/host/"))
}

func TestParseLocationRecordSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = append(b, NewLocationRecord("http://a/host/", 1, 0).Payload()...)

	rec, err := ParseLocationRecord(b, 1, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a/host/"}, rec.Endpoints)
}

func TestParseLocationRecordTruncated(t *testing.T) {
	payload := NewLocationRecord("http://a/host/", 1, 0).Payload()

	_, err := ParseLocationRecord(payload[:len(payload)-3], 1, 0)
	require.Error(t, err)
}

func TestSameEndpoint(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"http://a:8080/host/", "http://a:8080/host/", true},
		{"http://a:8080/host", "http://a:8080/host/", true},
		{"HTTP://A:8080/host/", "http://a:8080/host/", true},
		{"http://a:8080/host/", "http://b:8080/host/", false},
		{"http://a:8080/host/", "http://a:8081/host/", false},
		{"not a uri", "not a uri", true},
	}

	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			require.Equal(t, tt.want, SameEndpoint(tt.a, tt.b))
		})
	}
}

func TestNormalizeEndpointRejectsRelative(t *testing.T) {
	_, err := NormalizeEndpoint("/host/")
	require.Error(t, err)
}
