package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/internal/ptxstore"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/ptxjit"
	"github.com/samcharles93/cudalend/pkg/safety"
)

// Server exposes a registry of kernel sources, PTX specialisation of them
// and the devices of one driver.
type Server struct {
	store *ptxstore.Store
	drv   device.Driver
	log   logger.Logger
	clock func() time.Time

	mu        sync.Mutex
	compilers map[string]*ptxjit.Compiler
}

// NewServer serves store. drv may be nil, in which case /v1/devices
// reports no devices.
func NewServer(store *ptxstore.Store, drv device.Driver, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:     store,
		drv:       drv,
		log:       log,
		clock:     time.Now,
		compilers: make(map[string]*ptxjit.Compiler),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/kernels", s.handleCreateKernel)
	e.GET("/v1/kernels", s.handleListKernels)
	e.GET("/v1/kernels/:id", s.handleGetKernel)
	e.DELETE("/v1/kernels/:id", s.handleDeleteKernel)
	e.POST("/v1/kernels/:id/specialise", s.handleSpecialise)

	e.GET("/v1/devices", s.handleDevices)
}

func kernelResponse(k ptxstore.Kernel, sig safety.Signature) KernelResponse {
	resp := KernelResponse{
		ID:         k.ID,
		Object:     "kernel",
		EntryPoint: k.EntryPoint,
		ConstLoads: k.ConstLoads,
		CreatedAt:  unixOrZero(k.CreatedAt),
	}
	if resp.ConstLoads == nil {
		resp.ConstLoads = []ptxjit.ConstLoad{}
	}
	if len(sig) > 0 {
		resp.Signature = make(map[int]string, len(sig))
		for idx, h := range sig {
			resp.Signature[idx] = fmt.Sprintf("%016x", h)
		}
	}
	return resp
}

func (s *Server) handleCreateKernel(c *echo.Context) error {
	req, err := decodeJSON[CreateKernelRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.PTX) == "" {
		return writeBadRequest(c, "ptx is required")
	}
	if req.EntryPoint == "" {
		return writeBadRequest(c, "entry_point is required")
	}
	if !strings.Contains(req.PTX, ".entry "+req.EntryPoint) {
		return writeBadRequest(c, fmt.Sprintf("ptx has no entry point %q", req.EntryPoint))
	}
	sig, err := safety.ParseSignature([]byte(req.PTX))
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	compiler := ptxjit.New([]byte(req.PTX))
	k := ptxstore.Kernel{
		ID:         uuid.NewString(),
		EntryPoint: req.EntryPoint,
		PTX:        req.PTX,
		ConstLoads: compiler.ConstLoads(),
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.store.PutKernel(k); err != nil {
		return writeServerError(c, err)
	}
	s.mu.Lock()
	s.compilers[k.ID] = compiler
	s.mu.Unlock()

	s.log.Info("kernel registered", "id", k.ID, "entry_point", k.EntryPoint, "const_loads", len(k.ConstLoads))
	return c.JSON(http.StatusOK, kernelResponse(k, sig))
}

func (s *Server) handleListKernels(c *echo.Context) error {
	kernels, err := s.store.ListKernels()
	if err != nil {
		return writeServerError(c, err)
	}
	list := KernelList{Object: "list", Data: make([]KernelResponse, 0, len(kernels))}
	for _, k := range kernels {
		sig, _ := safety.ParseSignature([]byte(k.PTX))
		list.Data = append(list.Data, kernelResponse(k, sig))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) lookup(c *echo.Context) (ptxstore.Kernel, bool, error) {
	k, err := s.store.GetKernel(c.Param("id"))
	if errors.Is(err, ptxstore.ErrNotFound) {
		return k, false, writeNotFound(c, err.Error())
	}
	if err != nil {
		return k, false, writeServerError(c, err)
	}
	return k, true, nil
}

func (s *Server) handleGetKernel(c *echo.Context) error {
	k, ok, err := s.lookup(c)
	if !ok {
		return err
	}
	sig, _ := safety.ParseSignature([]byte(k.PTX))
	return c.JSON(http.StatusOK, kernelResponse(k, sig))
}

func (s *Server) handleDeleteKernel(c *echo.Context) error {
	id := c.Param("id")
	err := s.store.DeleteKernel(id)
	if errors.Is(err, ptxstore.ErrNotFound) {
		return writeNotFound(c, err.Error())
	}
	if err != nil {
		return writeServerError(c, err)
	}
	s.mu.Lock()
	delete(s.compilers, id)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "kernel.deleted", Deleted: true})
}

// compiler returns the JIT compiler for k, rebuilding it after a restart.
func (s *Server) compiler(k ptxstore.Kernel) *ptxjit.Compiler {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.compilers[k.ID]
	if !ok {
		c = ptxjit.New([]byte(k.PTX))
		s.compilers[k.ID] = c
	}
	return c
}

func (s *Server) handleSpecialise(c *echo.Context) error {
	k, ok, err := s.lookup(c)
	if !ok {
		return err
	}
	req, err := decodeJSON[SpecialiseRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	args, err := decodeArguments(req.Arguments)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	src := []byte(k.PTX)
	if ptx, found, err := s.store.GetSpecialised(src, args); err != nil {
		return writeServerError(c, err)
	} else if found {
		return c.JSON(http.StatusOK, SpecialiseResponse{PTX: string(ptx), Cached: true})
	}

	res := s.compiler(k).WithArguments(args)
	if err := s.store.PutSpecialised(src, args, res.PTX); err != nil {
		s.log.Warn("store specialised ptx", "kernel", k.ID, "error", err)
	}
	return c.JSON(http.StatusOK, SpecialiseResponse{PTX: string(res.PTX), Recomputed: res.Recomputed})
}

func (s *Server) handleDevices(c *echo.Context) error {
	if s.drv == nil {
		return c.JSON(http.StatusOK, map[string]any{"object": "list", "backend": "", "data": []device.Info{}})
	}
	infos, err := s.drv.Devices()
	if err != nil {
		return writeServerError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "backend": s.drv.Name(), "data": infos})
}
