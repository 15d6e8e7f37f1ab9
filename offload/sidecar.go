package offload

import (
	"bytes"
	"fmt"

	"github.com/tinylib/msgp/msgp"
	"github.com/valyala/fasthttp"

	"github.com/clsplane/clsplane/collab"
	"github.com/clsplane/clsplane/internal/nlog"
	"github.com/clsplane/clsplane/internal/xerrors"
)

// SidecarNetdev is a direct-offload collab.Netdev collaborator that
// delegates bind/unbind/mirror to an external driver sidecar process
// over HTTP (spec.md §6: "the direct-offload netdev collaborator is
// called out to via a fasthttp.Client"), rather than a kernel netlink
// call a real driver binding would make.
type SidecarNetdev struct {
	id      string
	baseURL string
	offload bool

	client   *fasthttp.Client
	callback *SidecarCallback
}

// NewSidecarNetdev wires a netdev identity to a sidecar base URL
// (e.g. "http://127.0.0.1:9100"); offload reports whether the device
// advertises offload support at all.
func NewSidecarNetdev(id, baseURL string, offload bool) *SidecarNetdev {
	return &SidecarNetdev{
		id:      id,
		baseURL: baseURL,
		offload: offload,
		client:  &fasthttp.Client{Name: "clsplaned-sidecar"},
	}
}

func (s *SidecarNetdev) ID() string             { return s.id }
func (s *SidecarNetdev) SupportsOffload() bool  { return s.offload }
func (s *SidecarNetdev) IngressBlock() (uint32, bool) { return 0, false }

// SetupTCBind asks the sidecar to bind blockIndex and, on success,
// returns a single SidecarCallback that mirrors subsequent chain/proto
// mutations back to the same sidecar (spec.md §4.6 Direct binding).
func (s *SidecarNetdev) SetupTCBind(blockIndex uint32, binder collab.BinderKind) ([]collab.OffloadCallback, error) {
	if err := s.call("bind", blockIndex, binder); err != nil {
		return nil, err
	}
	s.callback = NewSidecarCallback(fmt.Sprintf("%s/%d", s.id, blockIndex), s.baseURL, s.client)
	return []collab.OffloadCallback{s.callback}, nil
}

func (s *SidecarNetdev) SetupTCUnbind(blockIndex uint32, binder collab.BinderKind) {
	if err := s.call("unbind", blockIndex, binder); err != nil {
		nlog.Warnf("sidecar %s: unbind block %d: %v", s.id, blockIndex, err)
	}
	s.callback = nil
}

// call issues the small bind/unbind control request; the recurring
// mirror traffic goes through SidecarCallback.send instead, which
// msgp-encodes the richer OffloadEvent payload.
func (s *SidecarNetdev) call(op string, blockIndex uint32, binder collab.BinderKind) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(fmt.Sprintf("%s/tc/%s?block=%d&binder=%s", s.baseURL, op, blockIndex, binder))

	if err := s.client.Do(req, resp); err != nil {
		return xerrors.NotSupported("sidecar " + s.id + ": " + err.Error())
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return xerrors.NotSupported(fmt.Sprintf("sidecar %s: %s returned status %d", s.id, op, resp.StatusCode()))
	}
	return nil
}

// SidecarCallback is the collab.OffloadCallback installed on a block
// bound via SidecarNetdev: every Bind/Unbind mirrors one
// collab.OffloadEvent to the sidecar's mirror endpoint, hand-encoded
// with msgp.Writer rather than a codegen'd MarshalMsg (spec.md §2
// Domain-stack wiring).
type SidecarCallback struct {
	id      string
	baseURL string
	client  *fasthttp.Client
}

func NewSidecarCallback(id, baseURL string, client *fasthttp.Client) *SidecarCallback {
	return &SidecarCallback{id: id, baseURL: baseURL, client: client}
}

func (s *SidecarCallback) ID() string { return s.id }

func (s *SidecarCallback) Bind(evt collab.OffloadEvent) error { return s.send(evt) }

func (s *SidecarCallback) Unbind(evt collab.OffloadEvent) error { return s.send(evt) }

func (s *SidecarCallback) send(evt collab.OffloadEvent) error {
	body, err := encodeOffloadEvent(evt)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/msgpack")
	req.SetRequestURI(s.baseURL + "/tc/mirror")
	req.SetBody(body)

	if err := s.client.Do(req, resp); err != nil {
		return xerrors.NotSupported("sidecar " + s.id + ": mirror: " + err.Error())
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return xerrors.NotSupported(fmt.Sprintf("sidecar %s: mirror returned status %d", s.id, resp.StatusCode()))
	}
	return nil
}

// encodeOffloadEvent writes evt as a fixed-length msgp array (no field
// names, no codegen): BlockIndex, ChainIndex, Kind, Prio, Protocol, Add,
// in that order. decodeOffloadEvent below must read them back in the
// same order.
func encodeOffloadEvent(evt collab.OffloadEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteArrayHeader(6); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(evt.BlockIndex); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(evt.ChainIndex); err != nil {
		return nil, err
	}
	if err := w.WriteString(evt.Kind); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(evt.Prio); err != nil {
		return nil, err
	}
	if err := w.WriteUint32(evt.Protocol); err != nil {
		return nil, err
	}
	if err := w.WriteBool(evt.Add); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeOffloadEvent is the receiving side a sidecar process (outside
// this module) would use to decode what SidecarCallback.send wrote;
// kept here so the wire shape has exactly one definition.
func decodeOffloadEvent(b []byte) (collab.OffloadEvent, error) {
	var evt collab.OffloadEvent
	r := msgp.NewReader(bytes.NewReader(b))
	n, err := r.ReadArrayHeader()
	if err != nil {
		return evt, err
	}
	if n != 6 {
		return evt, xerrors.Invalid(fmt.Sprintf("offload event: expected 6 fields, got %d", n))
	}
	if evt.BlockIndex, err = r.ReadUint32(); err != nil {
		return evt, err
	}
	if evt.ChainIndex, err = r.ReadUint32(); err != nil {
		return evt, err
	}
	if evt.Kind, err = r.ReadString(); err != nil {
		return evt, err
	}
	if evt.Prio, err = r.ReadUint32(); err != nil {
		return evt, err
	}
	if evt.Protocol, err = r.ReadUint32(); err != nil {
		return evt, err
	}
	if evt.Add, err = r.ReadBool(); err != nil {
		return evt, err
	}
	return evt, nil
}
