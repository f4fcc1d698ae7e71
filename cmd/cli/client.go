// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"exec-runtime/internal/exec/event"
)

func apiBaseURL() string {
	if u := os.Getenv("EXEC_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// apiClient exec runtime HTTP API 客户端
type apiClient struct {
	baseURL string
	rc      *resty.Client
}

func newClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, rc: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")}
}

// apiError 非 2xx 响应
type apiError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

func checkResponse(resp *resty.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode() == code {
			return nil
		}
	}
	return &apiError{
		Method: resp.Request.Method,
		Path:   resp.Request.URL,
		Status: resp.StatusCode(),
		Body:   resp.String(),
	}
}

// runCommand POST /api/exec/run；审批或执行失败时服务端返回非 200，但仍带 result
func (c *apiClient) runCommand(body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/api/exec/run")
	if err != nil {
		return nil, err
	}
	return out, checkResponse(resp, http.StatusOK, http.StatusAccepted)
}

func (c *apiClient) listHandles() ([]map[string]interface{}, error) {
	var out struct {
		Handles []map[string]interface{} `json:"handles"`
	}
	resp, err := c.rc.R().
		SetResult(&out).
		Get("/api/exec/handles")
	if err != nil {
		return nil, err
	}
	return out.Handles, checkResponse(resp, http.StatusOK)
}

func (c *apiClient) snapshot(handleID string, limit int) ([]event.ExecFrame, error) {
	var out struct {
		Frames []event.ExecFrame `json:"frames"`
	}
	req := c.rc.R().SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/api/exec/handles/" + handleID + "/snapshot")
	if err != nil {
		return nil, err
	}
	return out.Frames, checkResponse(resp, http.StatusOK)
}

func (c *apiClient) closeHandle(handleID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().
		SetResult(&out).
		Post("/api/exec/handles/" + handleID + "/close")
	if err != nil {
		return nil, err
	}
	return out, checkResponse(resp, http.StatusOK)
}

func (c *apiClient) grantApproval(body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().
		SetBody(body).
		SetResult(&out).
		Post("/api/approvals")
	if err != nil {
		return nil, err
	}
	return out, checkResponse(resp, http.StatusOK)
}

// tail 将 stream 接口的 NDJSON 原样写入 w，直到句柄关闭
func (c *apiClient) tail(handleID string, from int64, w io.Writer) error {
	// stream 持续到句柄关闭，不设超时
	resp, err := resty.New().SetBaseURL(c.baseURL).R().
		SetDoNotParseResponse(true).
		SetQueryParam("from", strconv.FormatInt(from, 10)).
		Get("/api/exec/handles/" + handleID + "/stream")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		raw, _ := io.ReadAll(body)
		return &apiError{Method: http.MethodGet, Path: "/api/exec/handles/" + handleID + "/stream", Status: resp.StatusCode(), Body: string(raw)}
	}
	_, err = io.Copy(w, body)
	return err
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
