package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/splax/deployments/internal/domain"
	"github.com/splax/deployments/internal/repository"
)

const maxBodyBytes = 1 << 20

type listQuery struct {
	Name        string `json:"name" validate:"max=100,nonul"`
	Environment string `json:"environment" validate:"max=50,nonul"`
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	query := listQuery{
		Name:        strings.TrimSpace(q.Get("name")),
		Environment: strings.TrimSpace(q.Get("environment")),
	}
	if fields := validateStruct(query); len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}
	items, err := r.deployments.List(req.Context(), domain.DeploymentFilter{Name: query.Name, Environment: query.Environment})
	if err != nil {
		r.writeServiceError(w, req, "list", err)
		return
	}
	r.recordOperation("list", "ok")
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	var input domain.DeploymentInput
	if !r.decodeBody(w, req, &input) {
		return
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Version = strings.TrimSpace(input.Version)
	input.Environment = strings.TrimSpace(input.Environment)
	if fields := validateStruct(input); len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}
	created, err := r.deployments.Create(req.Context(), input)
	if err != nil {
		r.writeServiceError(w, req, "create", err)
		return
	}
	r.recordOperation("create", "ok")
	w.Header().Set("Location", fmt.Sprintf("%s/%d", routeCollection, created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	d, err := r.deployments.Get(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, "get", err)
		return
	}
	r.recordOperation("get", "ok")
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleUpdateDeployment(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	var patch domain.DeploymentPatch
	if !r.decodeBody(w, req, &patch) {
		return
	}
	patch.Name = trimPtr(patch.Name)
	patch.Version = trimPtr(patch.Version)
	patch.Environment = trimPtr(patch.Environment)
	if fields := validateStruct(patch); len(fields) > 0 {
		writeValidationError(w, fields)
		return
	}
	updated, err := r.deployments.Update(req.Context(), id, patch)
	if err != nil {
		r.writeServiceError(w, req, "update", err)
		return
	}
	r.recordOperation("update", "ok")
	writeJSON(w, http.StatusOK, updated)
}

func (r *Router) handleDeleteDeployment(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	if err := r.deployments.Delete(req.Context(), id); err != nil {
		r.writeServiceError(w, req, "delete", err)
		return
	}
	r.recordOperation("delete", "ok")
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps absence to 404 and anything else to 500.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, op string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		r.recordOperation(op, "not_found")
		writeError(w, http.StatusNotFound, detailNotFound)
		return
	}
	r.recordOperation(op, "error")
	r.logger.Error("deployment operation failed", "op", op, "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, detailInternal)
}

func pathID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	raw := req.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeValidationError(w, map[string]string{"id": "The id must be an integer."})
		return 0, false
	}
	return id, true
}

var errTrailingData = errors.New("unexpected data after JSON value")

// decodeBody reads exactly one JSON object into dst, writing a 422 on failure.
// Keys must match dst's json tags exactly; other keys are ignored.
func (r *Router) decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	err := readJSONObject(http.MaxBytesReader(w, req.Body, maxBodyBytes), dst)
	if err == nil {
		return true
	}

	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
		sizeErr   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusUnprocessableEntity, "request body required")
	case errors.As(err, &sizeErr):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			writeError(w, http.StatusUnprocessableEntity, "request body must be a JSON object")
			return false
		}
		writeValidationError(w, map[string]string{
			typeErr.Field: fmt.Sprintf("The %s must be a %s.", typeErr.Field, typeErr.Type.String()),
		})
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errTrailingData):
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
	default:
		r.logger.Warn("request body decode failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
	}
	return false
}

func readJSONObject(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	var rest json.RawMessage
	if err := dec.Decode(&rest); !errors.Is(err, io.EOF) {
		var sizeErr *http.MaxBytesError
		if errors.As(err, &sizeErr) {
			return err
		}
		return errTrailingData
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	known := jsonFieldNames(dst)
	for key := range fields {
		if _, ok := known[key]; !ok {
			delete(fields, key)
		}
	}
	exact, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(exact, dst)
}

// jsonFieldNames lists the json tag names of the struct dst points to.
func jsonFieldNames(dst any) map[string]struct{} {
	t := reflect.TypeOf(dst)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]
		if name == "" {
			name = t.Field(i).Name
		}
		if name != "-" {
			names[name] = struct{}{}
		}
	}
	return names
}
