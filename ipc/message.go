// Package ipc implements the control channel between client processes and the
// daemon: length-prefixed JSON frames over a unix-domain stream socket, typed
// request/response messages, peer-credential capture and a client with
// reconnect retries and a circuit breaker.
package ipc

import (
	"github.com/vrift/vrift"
)

// RequestKind tags a control-channel request.
type RequestKind string

const (
	KindPing             RequestKind = "ping"
	KindStatus           RequestKind = "status"
	KindCommit           RequestKind = "commit"
	KindUnlink           RequestKind = "unlink"
	KindRename           RequestKind = "rename"
	KindMkdir            RequestKind = "mkdir"
	KindSymlink          RequestKind = "symlink"
	KindMetadata         RequestKind = "metadata"
	KindManifestOpen     RequestKind = "manifest_open"
	KindGcEnumerate      RequestKind = "gc_enumerate"
	KindRegisterManifest RequestKind = "register_manifest"
	KindIngest           RequestKind = "ingest"
	// KindOpenWrite flags a path dirty before its owner starts writing;
	// KindAbortWrite releases the hold without committing.
	KindOpenWrite  RequestKind = "open_write"
	KindAbortWrite RequestKind = "abort_write"
	// KindReadlink fetches a symlink's target, which lives beside the
	// manifest entry rather than in the mapped index.
	KindReadlink RequestKind = "readlink"
	// KindStreamOpen attaches the daemon to a shared-memory ring: it drains
	// the stream into the named staging file and replies once the producer
	// signals EOF. The usual Commit follows.
	KindStreamOpen RequestKind = "stream_open"
	// KindGetXattr fetches an extended attribute recorded in the manifest.
	KindGetXattr RequestKind = "get_xattr"
)

// StreamOpenPayload names the ring file to drain and the staging file to
// drain into; both must sit inside the caller's staging area.
type StreamOpenPayload struct {
	RingPath    string `json:"ring_path"`
	StagingPath string `json:"staging_path"`
}

// OpenWritePayload marks a path write-held by a client process.
type OpenWritePayload struct {
	Path string `json:"path"`
	Pid  int    `json:"pid"`
}

// CommitPayload asks the daemon to promote a staging file into the CAS and
// publish the new entry for the virtual path.
type CommitPayload struct {
	VirtualPath string `json:"virtual_path"`
	StagingPath string `json:"staging_path"`
	Size        int64  `json:"size"`
	MtimeNs     uint64 `json:"mtime_ns"`
	Mode        uint32 `json:"mode"`
}

// RenamePayload moves a path (subtree for directories) inside the project.
type RenamePayload struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// MkdirPayload records a directory entry.
type MkdirPayload struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

// SymlinkPayload records a symlink entry with its target.
type SymlinkPayload struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

// Metadata operation names. Every chmod-class mutation funnels through the
// one policy gate; Op selects what the daemon applies when the policy
// translates instead of rejecting.
const (
	MetaChmod       = "chmod"
	MetaChtimes     = "chtimes"
	MetaChown       = "chown"
	MetaSetXattr    = "setxattr"
	MetaRemoveXattr = "removexattr"
	MetaChflags     = "chflags"
)

// MetadataPayload carries a chmod-class change for policy evaluation. Only
// the fields the named Op uses are populated.
type MetadataPayload struct {
	Path    string `json:"path"`
	Op      string `json:"op"`
	Mode    uint32 `json:"mode,omitempty"`
	MtimeNs uint64 `json:"mtime_ns,omitempty"`
	Uid     int    `json:"uid,omitempty"`
	Gid     int    `json:"gid,omitempty"`
	// Name/Value carry the extended attribute for setxattr/removexattr.
	Name  string `json:"name,omitempty"`
	Value []byte `json:"value,omitempty"`
	// Flags carries the chflags word.
	Flags uint32 `json:"flags,omitempty"`
}

// RegisterManifestPayload adds a manifest to the central registry.
type RegisterManifestPayload struct {
	UUID     string `json:"uuid,omitempty"`
	Root     string `json:"root"`
	PathHash string `json:"path_hash"`
}

// IngestPayload walks a host directory into the index (CLI ingest op).
type IngestPayload struct {
	Dir string `json:"dir"`
}

// GcPayload selects reporting or deletion.
type GcPayload struct {
	Delete bool `json:"delete"`
}

// Request is the control-channel request envelope. Kind selects which payload
// pointer is set; ProjectRoot scopes every mutation to the caller's project.
type Request struct {
	Kind        RequestKind `json:"kind"`
	ProjectRoot string      `json:"project_root,omitempty"`

	Path      string                   `json:"path,omitempty"`
	OpenWrite *OpenWritePayload        `json:"open_write,omitempty"`
	Commit    *CommitPayload           `json:"commit,omitempty"`
	Rename    *RenamePayload           `json:"rename,omitempty"`
	Mkdir     *MkdirPayload            `json:"mkdir,omitempty"`
	Symlink   *SymlinkPayload          `json:"symlink,omitempty"`
	Metadata  *MetadataPayload         `json:"metadata,omitempty"`
	Register  *RegisterManifestPayload `json:"register,omitempty"`
	Ingest    *IngestPayload           `json:"ingest,omitempty"`
	Gc        *GcPayload               `json:"gc,omitempty"`
	Stream    *StreamOpenPayload       `json:"stream,omitempty"`
}

// Response status tags.
const (
	StatusOk         = "ok"
	StatusOkWithBlob = "ok_with_blob"
	StatusErr        = "err"
)

// StatusInfo is the daemon status snapshot returned for KindStatus.
type StatusInfo struct {
	Version       string   `json:"version"`
	Uptime        string   `json:"uptime"`
	Projects      []string `json:"projects"`
	CommitsTotal  uint64   `json:"commits_total"`
	CommitsFailed uint64   `json:"commits_failed"`
	BlobsPromoted uint64   `json:"blobs_promoted"`
	BytesDeduped  uint64   `json:"bytes_deduped"`
	OrphansReaped uint64   `json:"orphans_reaped"`
}

// GcReport summarizes a collection pass.
type GcReport struct {
	Referenced int      `json:"referenced"`
	Scanned    int      `json:"scanned"`
	Orphans    []string `json:"orphans"`
	Deleted    int      `json:"deleted"`
	DryRun     bool     `json:"dry_run"`
}

// Response is the control-channel reply envelope. Every mutation reply
// carries the VDir generation the change published at, so the caller can
// verify publication.
type Response struct {
	Status     string `json:"status"`
	Blob       string `json:"blob,omitempty"`
	ErrKind    string `json:"err_kind,omitempty"`
	Message    string `json:"message,omitempty"`
	Target     string `json:"target,omitempty"`
	Value      []byte `json:"value,omitempty"`
	Generation uint64 `json:"generation,omitempty"`

	Info *StatusInfo `json:"info,omitempty"`
	Gc   *GcReport   `json:"gc_report,omitempty"`
}

// Ok builds a success response published at gen.
func Ok(gen uint64) Response {
	return Response{Status: StatusOk, Generation: gen}
}

// OkWithBlob builds a success response carrying the committed blob hash.
func OkWithBlob(h vrift.Hash, gen uint64) Response {
	return Response{Status: StatusOkWithBlob, Blob: h.String(), Generation: gen}
}

// Errf builds an error response from a typed error.
func Errf(err error) Response {
	return Response{
		Status:  StatusErr,
		ErrKind: vrift.CodeOf(err).String(),
		Message: err.Error(),
	}
}

// Err converts an error response back into a typed error; nil for successes.
func (r Response) Err() error {
	if r.Status != StatusErr {
		return nil
	}
	return vrift.Errorf(vrift.ParseErrorCode(r.ErrKind), "%s", r.Message)
}
