package api

import (
	"time"

	"github.com/samcharles93/cudalend/pkg/ptxjit"
)

type CreateKernelRequest struct {
	PTX        string `json:"ptx"`
	EntryPoint string `json:"entry_point"`
}

type KernelResponse struct {
	ID         string             `json:"id"`
	Object     string             `json:"object"`
	EntryPoint string             `json:"entry_point"`
	ConstLoads []ptxjit.ConstLoad `json:"const_loads"`
	Signature  map[int]string     `json:"signature,omitempty"`
	CreatedAt  int64              `json:"created_at"`
}

type KernelList struct {
	Object string           `json:"object"`
	Data   []KernelResponse `json:"data"`
}

// SpecialiseRequest carries one hex string per kernel parameter. A null
// entry leaves that parameter's loads untouched.
type SpecialiseRequest struct {
	Arguments []*string `json:"arguments"`
}

type SpecialiseResponse struct {
	PTX        string `json:"ptx"`
	Recomputed bool   `json:"recomputed"`
	Cached     bool   `json:"cached"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
