package domain

import "time"

// DocumentType enumerates the accepted identity document types.
type DocumentType string

const (
	DocumentTypeNationalID  DocumentType = "national-id"
	DocumentTypePassport    DocumentType = "passport"
	DocumentTypeForeignCard DocumentType = "foreign-resident-card"
)

// Valid reports whether the document type is one of the accepted values.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeNationalID, DocumentTypePassport, DocumentTypeForeignCard:
		return true
	}
	return false
}

// IdentityDocument represents a government-issued identity document.
// (type, number) is globally unique. Once validated, only the Validated
// and ValidatedAt fields may change.
type IdentityDocument struct {
	ID             string // UUID
	Type           DocumentType
	Number         string
	IssuingCountry string
	IssueDate      *time.Time
	ExpiryDate     *time.Time
	Validated      bool
	ValidatedAt    *time.Time
	CreatedAt      time.Time
}

// DocumentSpec is the boundary-validated input for resolving an identity
// document. Either DocumentID references an existing document verbatim, or
// Type/Number (plus metadata) describe one to find-or-create.
type DocumentSpec struct {
	DocumentID     string
	Type           DocumentType
	Number         string
	IssuingCountry string
	IssueDate      *time.Time
	ExpiryDate     *time.Time
}
