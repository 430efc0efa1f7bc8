package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	base := Meta{OwnerID: "u1", SharedWith: []string{"u3", "carol@example.com"}}

	tests := []struct {
		name string
		meta func(Meta) Meta
		who  Identity
		want Access
	}{
		{"owner", nil, Identity{UserID: "u1"}, AccessOwner},
		{"shared by id", nil, Identity{UserID: "u3"}, AccessShared},
		{"shared by email", nil, Identity{UserID: "u4", Email: "carol@example.com"}, AccessShared},
		{"stranger without link", nil, Identity{UserID: "u2"}, AccessDenied},
		{
			"stranger with link",
			func(m Meta) Meta { m.AllowLinkAccess = true; return m },
			Identity{UserID: "u2"},
			AccessLink,
		},
		{
			"owner wins over share",
			func(m Meta) Meta { m.SharedWith = append(m.SharedWith, "u1"); return m },
			Identity{UserID: "u1"},
			AccessOwner,
		},
		{
			"share wins over link",
			func(m Meta) Meta { m.AllowLinkAccess = true; return m },
			Identity{UserID: "u3"},
			AccessShared,
		},
		{"anonymous", nil, Identity{}, AccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := base
			meta.SharedWith = append([]string(nil), base.SharedWith...)
			if tt.meta != nil {
				meta = tt.meta(meta)
			}
			assert.Equal(t, tt.want, Decide(meta, tt.who))
		})
	}
}

func TestLinkAccessToggle(t *testing.T) {
	meta := Meta{OwnerID: "u1", AllowLinkAccess: true}
	assert.Equal(t, AccessLink, Decide(meta, Identity{UserID: "u2"}))

	meta.AllowLinkAccess = false
	assert.Equal(t, AccessDenied, Decide(meta, Identity{UserID: "u2"}))
	assert.Equal(t, AccessOwner, Decide(meta, Identity{UserID: "u1"}))
}
