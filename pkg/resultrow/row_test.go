package resultrow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordShapes(t *testing.T) {
	tests := []struct {
		name   string
		record []string
		bucket string
		want   Row
		ok     bool
	}{
		{
			name:   "legacy two column",
			record: []string{" Bad@X.com ", "smtp_tempfail"},
			bucket: StatusRisky,
			want:   Row{Email: "bad@x.com", Status: StatusRisky, Reason: "smtp_tempfail", Kind: KindLegacy},
			ok:     true,
		},
		{
			name:   "email only",
			record: []string{"a@x.com"},
			bucket: StatusValid,
			want:   Row{Email: "a@x.com", Status: StatusValid, Kind: KindLegacy},
			ok:     true,
		},
		{
			name:   "current five column",
			record: []string{"a@x.com", "valid", "catch_all", "90", "accepted"},
			bucket: StatusRisky,
			want:   Row{Email: "a@x.com", Status: StatusValid, SubStatus: "catch_all", Score: 90, HasScore: true, Reason: "accepted", Kind: KindCurrent},
			ok:     true,
		},
		{
			name:   "bad score and unknown status fall back",
			record: []string{"a@x.com", "maybe", "", "n/a", "r"},
			bucket: StatusInvalid,
			want:   Row{Email: "a@x.com", Status: StatusInvalid, Reason: "r", Kind: KindCurrent},
			ok:     true,
		},
		{
			name:   "header",
			record: Header,
			bucket: StatusValid,
			ok:     false,
		},
		{
			name:   "blank email",
			record: []string{"  ", "x"},
			bucket: StatusValid,
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRecord(tt.record, tt.bucket)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseToleratesMixedAndMalformed(t *testing.T) {
	data := strings.Join([]string{
		"email,status,sub_status,score,reason",
		"a@x.com,valid,,99,ok",
		"b@x.com,mailbox_full",
		`c@x.com,"unterminated`,
		"",
		"d@x.com",
	}, "\n")

	rows, skipped, err := Parse([]byte(data), StatusRisky)
	require.NoError(t, err)
	assert.LessOrEqual(t, skipped, 1)

	emails := make([]string, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.Email)
	}
	assert.Contains(t, emails, "a@x.com")
	assert.Contains(t, emails, "b@x.com")
	assert.Equal(t, StatusValid, rows[0].Status)
	assert.Equal(t, StatusRisky, rows[1].Status)
}

func TestEncodeWritesHeader(t *testing.T) {
	out, err := Encode([]Row{
		{Email: "a@x.com", Status: StatusValid, Score: 95, HasScore: true, Reason: "ok"},
		{Email: "b@x.com", Status: StatusRisky, SubStatus: "catch_all"},
	})
	require.NoError(t, err)
	assert.Equal(t, "email,status,sub_status,score,reason\na@x.com,valid,,95,ok\nb@x.com,risky,catch_all,,\n", string(out))

	empty, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "email,status,sub_status,score,reason\n", string(empty))
}
