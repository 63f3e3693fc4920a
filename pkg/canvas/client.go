package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/critkey-api/internal/models"
)

// RequestURLHeader echoes the upstream Canvas URL the proxy actually called.
const RequestURLHeader = "X-Canvas-Request-Url"

const errorSnippetLimit = 200

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "critkey",
		Subsystem: "canvas",
		Name:      "request_duration_seconds",
		Help:      "Duration of Canvas proxy requests",
	}, []string{"operation"})

	requestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "critkey",
		Subsystem: "canvas",
		Name:      "request_failures_total",
		Help:      "Number of failed Canvas proxy requests",
	}, []string{"operation"})
)

// Credentials carries the grader's access token and the optional alternate
// Canvas base URL, both forwarded to the proxy on every request.
type Credentials struct {
	Token      string
	CanvasBase string
}

// Config defines configuration options for the Canvas proxy client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the Canvas grading proxy. Responses are parsed at this
// boundary into typed entities; a body that does not match the expected
// shape is a transport error, never silently empty data.
type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// New builds a Canvas proxy client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    httpClient,
		tracer:  otel.Tracer("github.com/noah-isme/critkey-api/pkg/canvas"),
		logger:  cfg.Logger.With().Str("component", "canvas_client").Logger(),
	}
}

// ListCourses fetches the grader's courses. The second return value is the
// upstream request URL reported by the proxy, for diagnostic display.
func (c *Client) ListCourses(ctx context.Context, creds Credentials) ([]models.Course, string, error) {
	var courses []models.Course
	requestURL, err := c.getJSON(ctx, "courses", "/api/courses", creds, nil, &courses)
	if err != nil {
		return nil, requestURL, err
	}
	return courses, requestURL, nil
}

// ListAssignmentGroups fetches the assignment groups of a course.
func (c *Client) ListAssignmentGroups(ctx context.Context, creds Credentials, courseID string) ([]models.AssignmentGroup, string, error) {
	var groups []models.AssignmentGroup
	path := fmt.Sprintf("/api/courses/%s/assignment-groups", url.PathEscape(courseID))
	requestURL, err := c.getJSON(ctx, "assignment_groups", path, creds, nil, &groups)
	if err != nil {
		return nil, requestURL, err
	}
	return groups, requestURL, nil
}

// ListAssignments fetches the assignments of a course, optionally filtered
// server-side by assignment group.
func (c *Client) ListAssignments(ctx context.Context, creds Credentials, courseID, groupID string) ([]models.Assignment, string, error) {
	var assignments []models.Assignment
	path := fmt.Sprintf("/api/courses/%s/assignments", url.PathEscape(courseID))
	extra := url.Values{}
	if groupID != "" {
		extra.Set("assignment_group_id", groupID)
	}
	requestURL, err := c.getJSON(ctx, "assignments", path, creds, extra, &assignments)
	if err != nil {
		return nil, requestURL, err
	}
	return assignments, requestURL, nil
}

// ListSubmissions fetches the submissions of an assignment.
func (c *Client) ListSubmissions(ctx context.Context, creds Credentials, courseID, assignmentID string) ([]models.Submission, string, error) {
	var submissions []models.Submission
	path := fmt.Sprintf("/api/courses/%s/assignments/%s/submissions", url.PathEscape(courseID), url.PathEscape(assignmentID))
	requestURL, err := c.getJSON(ctx, "submissions", path, creds, nil, &submissions)
	if err != nil {
		return nil, requestURL, err
	}
	return submissions, requestURL, nil
}

// UpdateSubmissionGrade pushes a grade and comment for one submission and
// returns the server's updated representation.
func (c *Client) UpdateSubmissionGrade(ctx context.Context, creds Credentials, courseID, assignmentID, userID, grade, comment string) (models.Submission, error) {
	ctx, span := c.tracer.Start(ctx, "canvas.update_grade", trace.WithAttributes(
		attribute.String("canvas.course_id", courseID),
		attribute.String("canvas.assignment_id", assignmentID),
	))
	defer span.End()

	start := time.Now()
	defer func() { requestDuration.WithLabelValues("update_grade").Observe(time.Since(start).Seconds()) }()

	payload := map[string]string{
		"apiToken":     creds.Token,
		"posted_grade": grade,
		"comment":      comment,
	}
	if creds.CanvasBase != "" {
		payload["canvasBase"] = creds.CanvasBase
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.Submission{}, err
	}

	target := fmt.Sprintf("%s/api/courses/%s/assignments/%s/submissions/%s",
		c.baseURL, url.PathEscape(courseID), url.PathEscape(assignmentID), url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, strings.NewReader(string(body)))
	if err != nil {
		return models.Submission{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		requestFailures.WithLabelValues("update_grade").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Submission{}, fmt.Errorf("failed to submit grade: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestFailures.WithLabelValues("update_grade").Inc()
		err := responseError("failed to submit grade", resp, raw, readErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Submission{}, err
	}
	if readErr != nil {
		requestFailures.WithLabelValues("update_grade").Inc()
		return models.Submission{}, fmt.Errorf("failed to read submission update response: %w", readErr)
	}

	var updated models.Submission
	if err := json.Unmarshal(raw, &updated); err != nil {
		requestFailures.WithLabelValues("update_grade").Inc()
		span.RecordError(err)
		return models.Submission{}, fmt.Errorf("unexpected response shape from submission update")
	}

	return updated, nil
}

// FetchFile retrieves a raw attachment through the retrieval proxy. Returns
// the bytes and the reported content type.
func (c *Client) FetchFile(ctx context.Context, creds Credentials, fileURL string) ([]byte, string, error) {
	ctx, span := c.tracer.Start(ctx, "canvas.fetch_file")
	defer span.End()

	start := time.Now()
	defer func() { requestDuration.WithLabelValues("fetch_file").Observe(time.Since(start).Seconds()) }()

	params := url.Values{}
	params.Set("url", fileURL)
	params.Set("apiToken", creds.Token)
	if creds.CanvasBase != "" {
		params.Set("canvasBase", creds.CanvasBase)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/proxy-file?"+params.Encode(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		requestFailures.WithLabelValues("fetch_file").Inc()
		span.RecordError(err)
		return nil, "", fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestFailures.WithLabelValues("fetch_file").Inc()
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		return nil, "", responseError("failed to fetch file", resp, raw, readErr)
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		requestFailures.WithLabelValues("fetch_file").Inc()
		return nil, "", fmt.Errorf("failed to read file body: %w", err)
	}

	return blob, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, operation, path string, creds Credentials, extra url.Values, out any) (string, error) {
	ctx, span := c.tracer.Start(ctx, "canvas."+operation)
	defer span.End()

	start := time.Now()
	defer func() { requestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds()) }()

	params := url.Values{}
	params.Set("apiToken", creds.Token)
	if creds.CanvasBase != "" {
		params.Set("canvasBase", creds.CanvasBase)
	}
	for key, values := range extra {
		for _, value := range values {
			params.Add(key, value)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		requestFailures.WithLabelValues(operation).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to fetch %s: %w", strings.ReplaceAll(operation, "_", " "), err)
	}
	defer resp.Body.Close()

	requestURL := resp.Header.Get(RequestURLHeader)
	raw, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestFailures.WithLabelValues(operation).Inc()
		err := responseError("failed to fetch "+strings.ReplaceAll(operation, "_", " "), resp, raw, readErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return requestURL, err
	}
	if readErr != nil {
		requestFailures.WithLabelValues(operation).Inc()
		return requestURL, fmt.Errorf("failed to read %s response: %w", strings.ReplaceAll(operation, "_", " "), readErr)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		requestFailures.WithLabelValues(operation).Inc()
		c.logger.Error().Str("operation", operation).Str("body", snippet(raw)).Msg("unexpected response shape from canvas")
		span.RecordError(err)
		return requestURL, fmt.Errorf("canvas returned an unexpected response while loading %s; check the Canvas base URL and token", strings.ReplaceAll(operation, "_", " "))
	}

	return requestURL, nil
}

// responseError assembles the error message for a non-success response: a
// structured error field when the body parses, else a truncated raw body
// snippet, with the HTTP status line as the baseline in every case.
func responseError(prefix string, resp *http.Response, raw []byte, readErr error) error {
	message := fmt.Sprintf("%s: %s", prefix, resp.Status)
	if readErr != nil || len(raw) == 0 {
		return fmt.Errorf("%s", message)
	}

	var structured struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil && structured.Error != "" {
		return fmt.Errorf("%s", structured.Error)
	}

	return fmt.Errorf("%s - %s", message, snippet(raw))
}

func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > errorSnippetLimit {
		s = s[:errorSnippetLimit]
	}
	return s
}
