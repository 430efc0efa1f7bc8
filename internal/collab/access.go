package collab

import "slices"

// Access is the permission level a member joined with.
type Access string

const (
	AccessOwner  Access = "owner"
	AccessShared Access = "shared"
	AccessLink   Access = "link"
	AccessDenied Access = "denied"
)

// Identity is the resolved user behind a connection.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// Decide computes the access level for a user from document metadata.
// Precedence is owner, then shared, then link. SharedWith may hold user IDs
// or email addresses.
func Decide(meta Meta, who Identity) Access {
	switch {
	case who.UserID != "" && meta.OwnerID == who.UserID:
		return AccessOwner
	case who.UserID != "" && slices.Contains(meta.SharedWith, who.UserID),
		who.Email != "" && slices.Contains(meta.SharedWith, who.Email):
		return AccessShared
	case meta.AllowLinkAccess:
		return AccessLink
	}
	return AccessDenied
}
