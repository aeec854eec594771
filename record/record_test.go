// Copyright 2026 The ionsync Authors
// This file is part of the ionsync library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSiteIDRoundTrip(t *testing.T) {
	var id SiteID
	for i := range id {
		id[i] = byte(i)
	}
	s := id.String()
	require.Len(t, s, 32)

	got, err := ParseSiteID(s)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestParseSiteIDRejectsBadLength(t *testing.T) {
	_, err := ParseSiteID("abcd")
	require.Error(t, err)
}

func TestChangeValidate(t *testing.T) {
	site, _ := ParseSiteID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	valid := Change{Table: "todos", PK: []byte("1"), CID: "title", SiteID: site, DBVersion: 1}
	require.NoError(t, valid.Validate())

	missingTable := valid
	missingTable.Table = ""
	require.ErrorIs(t, missingTable.Validate(), ErrMalformed)

	missingPK := valid
	missingPK.PK = nil
	require.ErrorIs(t, missingPK.Validate(), ErrMalformed)

	missingSite := valid
	missingSite.SiteID = SiteID{}
	require.ErrorIs(t, missingSite.Validate(), ErrMalformed)
}

func TestWireRoundTrip(t *testing.T) {
	site, _ := ParseSiteID("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	c := Change{
		Table:      "todos",
		PK:         []byte{0x01, 0x02},
		CID:        "title",
		Val:        "hello",
		ColVersion: 3,
		DBVersion:  7,
		SiteID:     site,
		CL:         1,
		Seq:        0,
	}
	wire := c.ToWire()
	require.Equal(t, "0102", wire.PK)
	require.Equal(t, site.String(), wire.SiteID)

	back, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, c, back)
}

func TestFromWireRejectsBadHex(t *testing.T) {
	_, err := FromWire(WireChange{Table: "t", PK: "zz", CID: "c", SiteID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDistinctTables(t *testing.T) {
	site, _ := ParseSiteID("cccccccccccccccccccccccccccccccc")
	batch := []Change{
		{Table: "b", SiteID: site},
		{Table: "a", SiteID: site},
		{Table: "b", SiteID: site},
	}
	require.Equal(t, []string{"a", "b"}, DistinctTables(batch))
}
