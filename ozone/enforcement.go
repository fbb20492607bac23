package ozone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// Enforcement is the content-enforcement collaborator boundary: the subsystem
// that actually stops (or resumes) serving a subject. The coordinator issues
// at most one command per committed takedown transition.
type Enforcement interface {
	ApplyTakedown(ctx context.Context, subj Subject, blobCids []string) error
	ReverseTakedown(ctx context.Context, subj Subject) error
}

// PDSEnforcement applies takedowns through a PDS admin API
// (com.atproto.admin.updateSubjectStatus), with retries on transient
// failures. Idempotency of repeated commands is the PDS's concern.
type PDSEnforcement struct {
	host          string
	adminPassword string
	client        *retryablehttp.Client
	logger        *slog.Logger
}

func NewPDSEnforcement(host, adminPassword string, logger *slog.Logger) *PDSEnforcement {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &PDSEnforcement{
		host:          host,
		adminPassword: adminPassword,
		client:        client,
		logger:        logger.With("component", "enforcement"),
	}
}

type subjectStatusBody struct {
	Subject  map[string]interface{} `json:"subject"`
	Takedown map[string]interface{} `json:"takedown"`
}

func (e *PDSEnforcement) ApplyTakedown(ctx context.Context, subj Subject, blobCids []string) error {
	if err := e.updateSubjectStatus(ctx, subj, true); err != nil {
		return err
	}
	// blobs are taken down individually so a blob shared with an untouched
	// record is only restored when no takedown covers it
	for _, cid := range blobCids {
		if err := e.updateBlobStatus(ctx, subj, cid, true); err != nil {
			return err
		}
	}
	e.logger.Info("applied takedown", "subject", subj.String(), "blobs", len(blobCids))
	return nil
}

func (e *PDSEnforcement) ReverseTakedown(ctx context.Context, subj Subject) error {
	if err := e.updateSubjectStatus(ctx, subj, false); err != nil {
		return err
	}
	e.logger.Info("reversed takedown", "subject", subj.String())
	return nil
}

func (e *PDSEnforcement) updateSubjectStatus(ctx context.Context, subj Subject, applied bool) error {
	var subjectRef map[string]interface{}
	if subj.IsRecord() {
		subjectRef = map[string]interface{}{
			"$type": "com.atproto.repo.strongRef",
			"uri":   subj.Uri.String(),
			"cid":   subj.Cid.String(),
		}
	} else {
		subjectRef = map[string]interface{}{
			"$type": "com.atproto.admin.defs#repoRef",
			"did":   subj.Did.String(),
		}
	}
	return e.post(ctx, subjectStatusBody{
		Subject:  subjectRef,
		Takedown: map[string]interface{}{"applied": applied},
	})
}

func (e *PDSEnforcement) updateBlobStatus(ctx context.Context, subj Subject, blobCid string, applied bool) error {
	return e.post(ctx, subjectStatusBody{
		Subject: map[string]interface{}{
			"$type":     "com.atproto.admin.defs#repoBlobRef",
			"did":       subj.Did.String(),
			"cid":       blobCid,
			"recordUri": subj.uriString(),
		},
		Takedown: map[string]interface{}{"applied": applied},
	})
}

func (e *PDSEnforcement) post(ctx context.Context, body subjectStatusBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := e.host + "/xrpc/com.atproto.admin.updateSubjectStatus"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", e.adminPassword)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("enforcement call failed: %s", resp.Status)
	}
	return nil
}

// NoopEnforcement logs commands without applying them. Used when no PDS admin
// endpoint is configured (local development).
type NoopEnforcement struct {
	Logger *slog.Logger
}

func (e *NoopEnforcement) ApplyTakedown(ctx context.Context, subj Subject, blobCids []string) error {
	e.Logger.Warn("no enforcement backend configured; takedown not applied", "subject", subj.String())
	return nil
}

func (e *NoopEnforcement) ReverseTakedown(ctx context.Context, subj Subject) error {
	e.Logger.Warn("no enforcement backend configured; takedown not reversed", "subject", subj.String())
	return nil
}
