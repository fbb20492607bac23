package ozone

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"
)

type emitEventRequest struct {
	Kind            string   `json:"kind"`
	Subject         wireSubj `json:"subject"`
	SubjectBlobCids []string `json:"subjectBlobCids,omitempty"`
	CreatedBy       string   `json:"createdBy"`
	Comment         *string  `json:"comment,omitempty"`
	CreateLabelVals []string `json:"createLabelVals,omitempty"`
	NegateLabelVals []string `json:"negateLabelVals,omitempty"`
	DurationInHours *int64   `json:"durationInHours,omitempty"`
	RefEventId      *uint64  `json:"refEventId,omitempty"`
}

type wireSubj struct {
	Did string `json:"did"`
	Uri string `json:"uri,omitempty"`
	Cid string `json:"cid,omitempty"`
}

type emitEventResponse struct {
	Event  *EventView         `json:"event"`
	Status *SubjectStatusView `json:"subjectStatus,omitempty"`
}

func (srv *Server) handleEmitEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var req emitEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Kind == "" {
		return &ValidationError{Msg: "event kind is required"}
	}

	subj, err := ParseSubject(req.Subject.Did, req.Subject.Uri, req.Subject.Cid, req.SubjectBlobCids)
	if err != nil {
		return err
	}
	createdBy, err := syntax.ParseDID(req.CreatedBy)
	if err != nil {
		return &ValidationError{Msg: "createdBy must be a valid DID", Value: req.CreatedBy}
	}

	actor := Actor{Did: createdBy, Role: actorRole(c)}
	evt, status, err := srv.service.EmitEvent(ctx, actor, EventInput{
		Kind:            EventKind(req.Kind),
		Subject:         subj,
		Comment:         req.Comment,
		CreateLabelVals: req.CreateLabelVals,
		NegateLabelVals: req.NegateLabelVals,
		DurationInHours: req.DurationInHours,
		RefEventID:      req.RefEventId,
	})
	if err != nil {
		return err
	}

	resp := emitEventResponse{Event: FormatEvent(evt)}
	if status != nil {
		resp.Status = FormatSubjectStatus(status)
	}
	return c.JSON(http.StatusOK, resp)
}

func (srv *Server) handleGetEvent(c echo.Context) error {
	ctx := c.Request().Context()

	idParam := c.QueryParam("id")
	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil || id == 0 {
		return &ValidationError{Msg: "malformed event id", Value: idParam}
	}

	evt, err := srv.service.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FormatEvent(evt))
}

func (srv *Server) handleGetSubjectStatus(c echo.Context) error {
	ctx := c.Request().Context()

	subj, err := ParseSubject(c.QueryParam("did"), c.QueryParam("uri"), c.QueryParam("cid"), nil)
	if err != nil {
		return err
	}

	status, err := srv.service.GetSubjectStatus(ctx, subj)
	if err != nil {
		return err
	}
	if status == nil {
		return &NotFoundError{What: "subject status", ID: subj.String()}
	}
	return c.JSON(http.StatusOK, FormatSubjectStatus(status))
}

type queryEventsResponse struct {
	Events []*EventView `json:"events"`
	Cursor string       `json:"cursor,omitempty"`
}

func (srv *Server) handleQueryEvents(c echo.Context) error {
	ctx := c.Request().Context()

	filter := EventFilter{
		CreatedBy: c.QueryParam("createdBy"),
		Cursor:    c.QueryParam("cursor"),
	}

	if did := c.QueryParam("did"); did != "" {
		subj, err := ParseSubject(did, c.QueryParam("uri"), c.QueryParam("cid"), nil)
		if err != nil {
			return err
		}
		filter.Subject = &subj
	}
	if kinds := c.QueryParam("kinds"); kinds != "" {
		for _, kind := range strings.Split(kinds, ",") {
			filter.Kinds = append(filter.Kinds, EventKind(kind))
		}
	}
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit <= 0 {
			return &ValidationError{Msg: "malformed limit", Value: limitParam}
		}
		filter.Limit = limit
	}
	if after := c.QueryParam("createdAfter"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return &ValidationError{Msg: "malformed createdAfter", Value: after}
		}
		filter.CreatedAfter = &t
	}
	if before := c.QueryParam("createdBefore"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return &ValidationError{Msg: "malformed createdBefore", Value: before}
		}
		filter.CreatedBefore = &t
	}

	events, cursor, err := srv.service.ListEvents(ctx, filter)
	if err != nil {
		return err
	}

	views := make([]*EventView, len(events))
	for i := range events {
		views[i] = FormatEvent(&events[i])
	}
	return c.JSON(http.StatusOK, queryEventsResponse{Events: views, Cursor: cursor})
}
