package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/loadmesh/loadmesh/pkg/api"
)

// Client talks to the orchestrator's HTTP API. It covers both sides of the
// protocol: the submission and query surface used by dashboards and the
// executor surface used by worker nodes.
type Client struct {
	baseUrl    string
	httpClient *http.Client
}

func New(baseUrl string) *Client {
	return &Client{
		baseUrl:    baseUrl,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) WithHttpClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// Submit starts a new load test.
func (c *Client) Submit(request *api.JobSubmitRequest) (*api.JobSubmitResponse, error) {
	response := &api.JobSubmitResponse{}
	err := c.post("/api/v1/tests", request, response)
	return response, err
}

// Cancel requests cancellation of a job and returns its updated record.
func (c *Client) Cancel(jobId string) (*api.Job, error) {
	job := &api.Job{}
	err := c.post(fmt.Sprintf("/api/v1/tests/%s/cancel", url.PathEscape(jobId)), nil, job)
	return job, err
}

// ListActive returns the non-terminal jobs, optionally for one tenant.
func (c *Client) ListActive(tenantId string) ([]*api.ActiveJob, error) {
	path := "/api/v1/tests"
	if tenantId != "" {
		path += "?tenantId=" + url.QueryEscape(tenantId)
	}
	body := struct {
		ActiveTests []*api.ActiveJob `json:"activeTests"`
	}{}
	err := c.get(path, &body)
	return body.ActiveTests, err
}

func (c *Client) SystemSnapshot() (*api.SystemSnapshot, error) {
	snapshot := &api.SystemSnapshot{}
	err := c.get("/api/v1/realtime/system", snapshot)
	return snapshot, err
}

func (c *Client) NodeStatus() ([]*api.NodeInfo, error) {
	body := struct {
		NodeStatus []*api.NodeInfo `json:"nodeStatus"`
	}{}
	err := c.get("/api/v1/realtime/nodes", &body)
	return body.NodeStatus, err
}

// RegisterNode announces a worker node to the orchestrator.
func (c *Client) RegisterNode(request *api.NodeRegisterRequest) error {
	return c.post("/api/v1/nodes/register", request, nil)
}

func (c *Client) Heartbeat(nodeId string, request *api.NodeHeartbeatRequest) error {
	return c.post(fmt.Sprintf("/api/v1/nodes/%s/heartbeat", url.PathEscape(nodeId)), request, nil)
}

// LeaseDispatches pulls work assigned to a node.
func (c *Client) LeaseDispatches(nodeId string, limit int64) ([]*api.Dispatch, error) {
	body := struct {
		Dispatches []*api.Dispatch `json:"dispatches"`
	}{}
	err := c.post("/api/v1/dispatch/lease", &api.DispatchLeaseRequest{NodeId: nodeId, Limit: limit}, &body)
	return body.Dispatches, err
}

func (c *Client) AckDispatch(jobId string) error {
	return c.post(fmt.Sprintf("/api/v1/dispatch/%s/ack", url.PathEscape(jobId)), nil, nil)
}

func (c *Client) NackDispatch(jobId string, reason string) error {
	body := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	return c.post(fmt.Sprintf("/api/v1/dispatch/%s/nack", url.PathEscape(jobId)), &body, nil)
}

// ReportProgress sends one metric sample and returns whether the executor
// should stop the test.
func (c *Client) ReportProgress(sample *api.MetricSample) (*api.ProgressResponse, error) {
	response := &api.ProgressResponse{}
	err := c.post(fmt.Sprintf("/api/v1/jobs/%s/progress", url.PathEscape(sample.JobId)), sample, response)
	return response, err
}

// ReportDone sends the terminal outcome of a job.
func (c *Client) ReportDone(jobId string, outcome *api.JobOutcome) error {
	return c.post(fmt.Sprintf("/api/v1/jobs/%s/done", url.PathEscape(jobId)), outcome, nil)
}

func (c *Client) get(path string, out interface{}) error {
	response, err := c.httpClient.Get(c.baseUrl + path)
	if err != nil {
		return errors.WithStack(err)
	}
	return readResponse(response, out)
}

func (c *Client) post(path string, in interface{}, out interface{}) error {
	payload := []byte("{}")
	if in != nil {
		payload, _ = json.Marshal(in)
	}
	response, err := c.httpClient.Post(c.baseUrl+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.WithStack(err)
	}
	return readResponse(response, out)
}

func readResponse(response *http.Response, out interface{}) error {
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		body := struct {
			Error string `json:"error"`
		}{}
		_ = json.NewDecoder(response.Body).Decode(&body)
		if body.Error == "" {
			body.Error = response.Status
		}
		return errors.Errorf("request failed (%d): %s", response.StatusCode, body.Error)
	}
	if out == nil {
		return nil
	}
	if response.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.WithStack(json.NewDecoder(response.Body).Decode(out))
}
