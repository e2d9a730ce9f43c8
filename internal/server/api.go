package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/drewdunne/forgesync/internal/gitsync"
	"github.com/drewdunne/forgesync/internal/mergerequests"
	"github.com/drewdunne/forgesync/internal/provider"
	"github.com/drewdunne/forgesync/internal/repos"
	"github.com/drewdunne/forgesync/internal/store"
)

const maxBodyBytes = 1 << 20

// connectBody carries the credential, which ConnectRequest never serializes.
type connectBody struct {
	ProjectID    string `json:"project_id"`
	Provider     string `json:"provider"`
	RemoteRepoID string `json:"remote_repo_id"`
	Credential   string `json:"credential"`
}

type createBranchBody struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

type mergeBody struct {
	ActorID            string `json:"actor_id"`
	CommitMessage      string `json:"commit_message"`
	Squash             bool   `json:"squash"`
	DeleteSourceBranch bool   `json:"delete_source_branch"`
	SHA                string `json:"sha"`
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func number(r *http.Request) (int, error) {
	n, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: merge request number", errBadBody)
	}
	return n, nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body connectBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	repo, err := s.facade.ConnectRepository(r.Context(), repos.ConnectRequest{
		ProjectID:    body.ProjectID,
		Provider:     body.Provider,
		RemoteRepoID: body.RemoteRepoID,
		Credential:   store.Credential(body.Credential),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := s.facade.ListRepositories(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*store.Repository{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.facade.GetRepository(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	repo, err := s.facade.DisconnectRepository(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	switch scope := r.URL.Query().Get("scope"); scope {
	case "":
		report, err := s.facade.SyncRepository(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "branches":
		res, err := s.facade.SyncBranches(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, gitsync.NewPassResult(res.SyncedCount, res.Errors))
	case "merge_requests":
		res, err := s.facade.SyncMergeRequests(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, gitsync.NewPassResult(res.SyncedCount, res.Errors))
	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown sync scope %q", errBadBody, scope))
	}
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	repo, err := s.facade.ResyncRepository(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	list, err := s.facade.ListBranches(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*store.Branch{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var body createBranchBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	branch, err := s.facade.CreateBranch(r.Context(), mux.Vars(r)["id"], body.Name, body.Source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	branch, err := s.facade.DeleteBranch(r.Context(), vars["id"], vars["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

func (s *Server) handleCommits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadBody))
			return
		}
		limit = n
	}

	commits, err := s.facade.GetCommits(r.Context(), mux.Vars(r)["id"], q.Get("ref"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if commits == nil {
		commits = []provider.CommitInfo{}
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	commit, err := s.facade.GetCommit(r.Context(), vars["id"], vars["sha"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (s *Server) handleListMergeRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MergeRequestFilter{
		Status:       store.MergeRequestStatus(q.Get("status")),
		TargetBranch: q.Get("target_branch"),
	}

	list, err := s.facade.ListMergeRequests(r.Context(), mux.Vars(r)["id"], filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*store.MergeRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateMergeRequest(w http.ResponseWriter, r *http.Request) {
	var body mergerequests.CreateRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	mr, err := s.facade.CreateMergeRequest(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mr)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	n, err := number(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body mergeBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	mr, err := s.facade.MergeMergeRequest(r.Context(), mux.Vars(r)["id"], n, body.ActorID, provider.MergeOptions{
		CommitMessage:      body.CommitMessage,
		Squash:             body.Squash,
		DeleteSourceBranch: body.DeleteSourceBranch,
		SHA:                body.SHA,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	n, err := number(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mr, err := s.facade.CloseMergeRequest(r.Context(), mux.Vars(r)["id"], n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	n, err := number(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mr, err := s.facade.ReopenMergeRequest(r.Context(), mux.Vars(r)["id"], n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (s *Server) handleSetupWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.facade.SetupWebhook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.RemoveWebhook(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
