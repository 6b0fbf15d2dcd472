package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/basket/statusboard/internal/persistence"
	"github.com/basket/statusboard/internal/shared"
	"github.com/basket/statusboard/internal/staleness"
)

// Change event kinds sent to live viewers.
const (
	KindProjectCreated       = "project_created"
	KindFeatureCreated       = "feature_created"
	KindFeatureUpdated       = "feature_updated"
	KindTestLogged           = "test_logged"
	KindFileChanged          = "file_changed"
	KindConsiderationCreated = "consideration_created"
	KindLeadCreated          = "lead_created"
	KindLeadUpdated          = "lead_updated"
	KindLeadDeleted          = "lead_deleted"
)

// recentLimit bounds the history embedded in a feature response.
const recentLimit = 20

// FeatureView is a feature with its derived staleness fields inlined.
type FeatureView struct {
	persistence.Feature
	staleness.State
}

type projectDetail struct {
	persistence.Project
	Features []FeatureView `json:"features"`
}

type featureDetail struct {
	FeatureView
	TestHistory []staleness.TestLogEntry    `json:"test_history"`
	FileChanges []staleness.FileChangeEntry `json:"file_changes"`
}

// Request bodies use the camelCase field names existing reporters send.

type createProjectRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	RepoPath      string `json:"repoPath"`
	StagingURL    string `json:"stagingUrl"`
	ProductionURL string `json:"productionUrl"`
}

type createFeatureRequest struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Blocker   string `json:"blocker"`
	SortOrder int    `json:"sortOrder"`
}

type updateFeatureRequest struct {
	Status  *string `json:"status"`
	Blocker *string `json:"blocker"`
}

type createTestLogRequest struct {
	ProjectID   string    `json:"projectId"`
	FeatureID   string    `json:"featureId"`
	FeatureName string    `json:"featureName"`
	TestType    string    `json:"testType"`
	Target      string    `json:"target"`
	Result      string    `json:"result"`
	Verified    []string  `json:"verified"`
	Note        string    `json:"note"`
	TestedAt    time.Time `json:"testedAt"`
}

type createFileChangeRequest struct {
	ProjectID  string    `json:"projectId"`
	FeatureID  string    `json:"featureId"`
	FilePath   string    `json:"filePath"`
	CommitHash string    `json:"commitHash"`
	ChangedAt  time.Time `json:"changedAt"`
}

type createConsiderationRequest struct {
	ProjectID string `json:"projectId"`
	FeatureID string `json:"featureId"`
	Author    string `json:"author"`
	Body      string `json:"body"`
}

type createLeadRequest struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Contact   string `json:"contact"`
	Status    string `json:"status"`
	Note      string `json:"note"`
}

type updateLeadRequest struct {
	Name    *string `json:"name"`
	Contact *string `json:"contact"`
	Status  *string `json:"status"`
	Note    *string `json:"note"`
}

// --- Projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.cfg.Store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project, err := s.cfg.Store.GetProject(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	features, err := s.cfg.Store.ListFeatures(ctx, project.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	states, err := s.cfg.Engine.DeriveMany(ctx, ids)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]FeatureView, len(features))
	for i, f := range features {
		views[i] = FeatureView{Feature: f, State: states[f.ID]}
	}
	writeJSON(w, http.StatusOK, projectDetail{Project: project, Features: views})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := s.validator.decode(r, schemaProject, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.cfg.Store.CreateProject(r.Context(), persistence.Project{
		ID:            req.ID,
		Name:          req.Name,
		Description:   req.Description,
		RepoPath:      req.RepoPath,
		StagingURL:    req.StagingURL,
		ProductionURL: req.ProductionURL,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.notify(r.Context(), KindProjectCreated, map[string]string{"project_id": p.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "project": p})
}

// --- Features ---

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := s.cfg.Store.GetFeature(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.cfg.Engine.Derive(ctx, f.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tests, err := s.cfg.Store.RecentTestLogs(ctx, f.ID, recentLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	changes, err := s.cfg.Store.RecentFileChanges(ctx, f.ID, recentLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, featureDetail{
		FeatureView: FeatureView{Feature: f, State: st},
		TestHistory: tests,
		FileChanges: changes,
	})
}

func (s *Server) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	var req createFeatureRequest
	if err := s.validator.decode(r, schemaFeature, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.cfg.Store.CreateFeature(r.Context(), persistence.Feature{
		ID:        req.ID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Status:    req.Status,
		Blocker:   req.Blocker,
		SortOrder: req.SortOrder,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.notify(r.Context(), KindFeatureCreated, map[string]string{"project_id": f.ProjectID, "feature_id": f.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "feature": f})
}

func (s *Server) handleUpdateFeature(w http.ResponseWriter, r *http.Request) {
	var req updateFeatureRequest
	if err := s.validator.decode(r, schemaFeaturePatch, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.cfg.Store.UpdateFeature(r.Context(), r.PathValue("id"), persistence.FeatureUpdate{
		Status:  req.Status,
		Blocker: req.Blocker,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.notify(r.Context(), KindFeatureUpdated, map[string]string{"project_id": f.ProjectID, "feature_id": f.ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "feature": f})
}

// --- Streams ---

func (s *Server) handleCreateTestLog(w http.ResponseWriter, r *http.Request) {
	var req createTestLogRequest
	if err := s.validator.decode(r, schemaTestLog, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := shared.WithProjectID(shared.WithFeatureID(r.Context(), req.FeatureID), req.ProjectID)
	before, compare := s.deriveBefore(ctx, req.FeatureID)

	e, err := s.cfg.Store.AppendTestLog(ctx, staleness.TestLogEntry{
		ProjectID:   req.ProjectID,
		FeatureID:   req.FeatureID,
		FeatureName: req.FeatureName,
		TestType:    req.TestType,
		Target:      req.Target,
		Result:      req.Result,
		Verified:    req.Verified,
		Note:        req.Note,
		TestedAt:    req.TestedAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if compare {
		s.observeAfter(ctx, e.ProjectID, e.FeatureID, before)
	}
	s.notify(ctx, KindTestLogged, subjectIDs(e.ProjectID, e.FeatureID))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": e.ID})
}

func (s *Server) handleCreateFileChange(w http.ResponseWriter, r *http.Request) {
	var req createFileChangeRequest
	if err := s.validator.decode(r, schemaFileChange, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := shared.WithProjectID(shared.WithFeatureID(r.Context(), req.FeatureID), req.ProjectID)
	before, compare := s.deriveBefore(ctx, req.FeatureID)

	e, err := s.cfg.Store.AppendFileChange(ctx, staleness.FileChangeEntry{
		ProjectID:  req.ProjectID,
		FeatureID:  req.FeatureID,
		FilePath:   req.FilePath,
		CommitHash: req.CommitHash,
		ChangedAt:  req.ChangedAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if compare {
		s.observeAfter(ctx, e.ProjectID, e.FeatureID, before)
	}
	s.notify(ctx, KindFileChanged, subjectIDs(e.ProjectID, e.FeatureID))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": e.ID})
}

// --- Considerations ---

func (s *Server) handleListConsiderations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.cfg.Store.GetProject(ctx, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.cfg.Store.ListConsiderations(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateConsideration(w http.ResponseWriter, r *http.Request) {
	var req createConsiderationRequest
	if err := s.validator.decode(r, schemaConsideration, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.cfg.Store.CreateConsideration(r.Context(), persistence.Consideration{
		ProjectID: req.ProjectID,
		FeatureID: req.FeatureID,
		Author:    req.Author,
		Body:      req.Body,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids := subjectIDs(c.ProjectID, c.FeatureID)
	ids["consideration_id"] = strconv.FormatInt(c.ID, 10)
	s.notify(r.Context(), KindConsiderationCreated, ids)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "consideration": c})
}

// --- Leads ---

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.cfg.Store.GetProject(ctx, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	leads, err := s.cfg.Store.ListLeads(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leads)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var req createLeadRequest
	if err := s.validator.decode(r, schemaLead, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.cfg.Store.CreateLead(r.Context(), persistence.Lead{
		ID:        req.ID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Contact:   req.Contact,
		Status:    req.Status,
		Note:      req.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.notify(r.Context(), KindLeadCreated, map[string]string{"project_id": l.ProjectID, "lead_id": l.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "lead": l})
}

func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var req updateLeadRequest
	if err := s.validator.decode(r, schemaLeadPatch, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.cfg.Store.UpdateLead(r.Context(), r.PathValue("id"), persistence.LeadUpdate{
		Name:    req.Name,
		Contact: req.Contact,
		Status:  req.Status,
		Note:    req.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.notify(r.Context(), KindLeadUpdated, map[string]string{"project_id": l.ProjectID, "lead_id": l.ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "lead": l})
}

func (s *Server) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	l, err := s.cfg.Store.DeleteLead(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.notify(r.Context(), KindLeadDeleted, map[string]string{"project_id": l.ProjectID, "lead_id": l.ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func subjectIDs(projectID, featureID string) map[string]string {
	ids := map[string]string{"project_id": projectID}
	if featureID != "" {
		ids["feature_id"] = featureID
	}
	return ids
}
