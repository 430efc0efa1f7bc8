package model

import "time"

type CreateDocRequest struct {
	Title string `json:"title" validate:"max=200"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type UpdateDocRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type ShareRequest struct {
	DocID string `json:"document_id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type LinkAccessRequest struct {
	DocID string `json:"document_id" validate:"required"`
	Allow *bool  `json:"allow" validate:"required"`
}

// DocumentMetadata is one row of the document list.
type DocumentMetadata struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	Snippet   string    `json:"snippet"`
	IsOwner   bool      `json:"is_owner"`
	Content   string    `json:"-"`
}

// DocumentDetail is returned by the get endpoint.
type DocumentDetail struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	OwnerID         string    `json:"owner_id"`
	UpdatedAt       time.Time `json:"updated_at"`
	AllowLinkAccess bool      `json:"allow_link_access"`
	SharedWith      []string  `json:"shared_with"`
	Access          string    `json:"access"`
	LiveMembers     int       `json:"live_members"`
}
