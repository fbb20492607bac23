package ozone

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/bluesky-social/ozone/models"
)

// SubjectKind discriminates whole-account subjects from single-record subjects.
type SubjectKind int

const (
	SubjectAccount SubjectKind = iota
	SubjectRecord
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectAccount:
		return "account"
	case SubjectRecord:
		return "record"
	default:
		return "<unknown>"
	}
}

// Subject identifies what a moderation event or status is about: either a
// whole account (just a DID) or one versioned record (DID + AT-URI + CID).
type Subject struct {
	Did syntax.DID
	Uri *syntax.ATURI
	Cid *syntax.CID

	// blob CIDs implicated by the event; record subjects only
	BlobCids []string
}

func AccountSubject(did syntax.DID) Subject {
	return Subject{Did: did}
}

func RecordSubject(uri syntax.ATURI, cid syntax.CID) (Subject, error) {
	auth, err := uri.Authority()
	if err != nil {
		return Subject{}, fmt.Errorf("record subject URI has no authority: %w", err)
	}
	did, err := auth.AsDID()
	if err != nil {
		return Subject{}, fmt.Errorf("record subject URI authority must be a DID: %w", err)
	}
	return Subject{Did: did, Uri: &uri, Cid: &cid}, nil
}

// ParseSubject validates raw identifier strings in to a Subject. uri and cid
// are required together or must both be empty.
func ParseSubject(did, uri, cid string, blobCids []string) (Subject, error) {
	if (uri == "") != (cid == "") {
		return Subject{}, &ValidationError{Msg: "subject uri and cid are required together", Value: uri + cid}
	}
	if uri != "" {
		aturi, err := syntax.ParseATURI(uri)
		if err != nil {
			return Subject{}, &ValidationError{Msg: "invalid subject uri", Value: uri}
		}
		scid, err := syntax.ParseCID(cid)
		if err != nil {
			return Subject{}, &ValidationError{Msg: "invalid subject cid", Value: cid}
		}
		subj, err := RecordSubject(aturi, scid)
		if err != nil {
			return Subject{}, &ValidationError{Msg: err.Error(), Value: uri}
		}
		if did != "" && did != subj.Did.String() {
			return Subject{}, &ValidationError{Msg: "subject did does not match record owner", Value: did}
		}
		for _, bc := range blobCids {
			if _, err := syntax.ParseCID(bc); err != nil {
				return Subject{}, &ValidationError{Msg: "invalid subject blob cid", Value: bc}
			}
		}
		subj.BlobCids = blobCids
		return subj, nil
	}
	if len(blobCids) > 0 {
		return Subject{}, &ValidationError{Msg: "blobs do not apply to account subjects", Value: did}
	}
	d, err := syntax.ParseDID(did)
	if err != nil {
		return Subject{}, &ValidationError{Msg: "invalid subject did", Value: did}
	}
	return AccountSubject(d), nil
}

func (s Subject) Kind() SubjectKind {
	if s.Uri != nil {
		return SubjectRecord
	}
	return SubjectAccount
}

func (s Subject) IsRecord() bool {
	return s.Uri != nil
}

// RecordPath returns the collection/rkey path for record subjects, and the
// empty string for account subjects (matching the status table encoding).
func (s Subject) RecordPath() string {
	if s.Uri == nil {
		return ""
	}
	return s.Uri.Path()
}

func (s Subject) String() string {
	if s.Uri != nil {
		return s.Uri.String()
	}
	return s.Did.String()
}

// LabelUri is the identifier labels get attached to: the record URI when
// present, the bare DID otherwise.
func (s Subject) LabelUri() string {
	if s.Uri != nil {
		return s.Uri.String()
	}
	return s.Did.String()
}

func (s Subject) uriString() *string {
	if s.Uri == nil {
		return nil
	}
	out := s.Uri.String()
	return &out
}

func (s Subject) cidString() *string {
	if s.Cid == nil {
		return nil
	}
	out := s.Cid.String()
	return &out
}

func (s Subject) blobCidString() *string {
	if len(s.BlobCids) == 0 {
		return nil
	}
	out := strings.Join(s.BlobCids, " ")
	return &out
}

// subjectFromEvent reconstructs the Subject recorded on an event row. Rows are
// only written through ParseSubject so the stored identifiers are trusted.
func subjectFromEvent(evt *models.ModerationEvent) Subject {
	subj := Subject{Did: syntax.DID(evt.SubjectDid)}
	if evt.SubjectUri != nil {
		uri := syntax.ATURI(*evt.SubjectUri)
		subj.Uri = &uri
	}
	if evt.SubjectCid != nil {
		cid := syntax.CID(*evt.SubjectCid)
		subj.Cid = &cid
	}
	if evt.SubjectBlobCids != nil {
		subj.BlobCids = strings.Fields(*evt.SubjectBlobCids)
	}
	return subj
}
