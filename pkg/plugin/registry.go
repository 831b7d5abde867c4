// Package plugin implements the plug-in chain registry spec.md section 9
// calls for in place of the upstream's dynamic type resolution by
// fully-qualified class name: plug-ins are compile-time-registered
// factories keyed by a stable string identifier, and config references
// those identifiers only. The registry shape follows
// perkeep/pkg/blobserver's StorageConstructor registry — a package-level
// map guarded by a mutex, RegisterXxx panics on a duplicate key (a
// programming error caught at init time), CreateXxx returns an error for
// an unknown key (a configuration error caught at runtime).
package plugin

import (
	"fmt"
	"sync"

	"github.com/monai-gateway/informatics-gateway/pkg/dicom"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// InputPlugIn transforms a received DICOM dataset and/or its storage
// metadata before it is persisted, spec.md section 4.7.
type InputPlugIn interface {
	Execute(ds *dicom.Dataset, meta *model.FileStorageMetadata) (*dicom.Dataset, *model.FileStorageMetadata, error)
}

// OutputPlugIn transforms an outbound export message before it is sent,
// spec.md section 4.7.
type OutputPlugIn interface {
	Execute(msg *ExportRequestDataMessage) (*ExportRequestDataMessage, error)
}

// ExportRequestDataMessage is the per-file unit an output plug-in chain
// operates on.
type ExportRequestDataMessage struct {
	ExportTaskID string
	FilePath     string
	Data         []byte
	Status       model.FileExportStatus
}

// InputConstructor builds a named InputPlugIn instance. Like
// OutputConstructor, it takes no arguments.
type InputConstructor func() (InputPlugIn, error)

// OutputConstructor builds a named OutputPlugIn instance.
type OutputConstructor func() (OutputPlugIn, error)

var (
	mu                 sync.Mutex
	inputConstructors  = make(map[string]InputConstructor)
	outputConstructors = make(map[string]OutputConstructor)
)

// RegisterInput registers an input plug-in factory under a stable
// identifier. Call from an init() func in the plug-in's package. Panics on
// a duplicate identifier — a build-time programming error, not a runtime
// configuration error.
func RegisterInput(id string, ctor InputConstructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := inputConstructors[id]; exists {
		panic("plugin: input constructor already registered for id: " + id)
	}
	inputConstructors[id] = ctor
}

// RegisterOutput registers an output plug-in factory under a stable
// identifier.
func RegisterOutput(id string, ctor OutputConstructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := outputConstructors[id]; exists {
		panic("plugin: output constructor already registered for id: " + id)
	}
	outputConstructors[id] = ctor
}

// ResolveInputChain builds the ordered sequence of input plug-ins an AE's
// plugInAssemblies names, failing with every unresolved identifier
// aggregated, per spec.md section 4.7.
func ResolveInputChain(ids []string) ([]InputPlugIn, error) {
	mu.Lock()
	defer mu.Unlock()
	chain := make([]InputPlugIn, 0, len(ids))
	var unresolved []string
	for _, id := range ids {
		ctor, ok := inputConstructors[id]
		if !ok {
			unresolved = append(unresolved, id)
			continue
		}
		p, err := ctor()
		if err != nil {
			return nil, fmt.Errorf("plugin: constructing input plug-in %q: %w", id, err)
		}
		chain = append(chain, p)
	}
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("plugin: unresolved input plug-in identifiers: %v", unresolved)
	}
	return chain, nil
}

// ResolveOutputChain is ResolveInputChain's output-plug-in counterpart.
func ResolveOutputChain(ids []string) ([]OutputPlugIn, error) {
	mu.Lock()
	defer mu.Unlock()
	chain := make([]OutputPlugIn, 0, len(ids))
	var unresolved []string
	for _, id := range ids {
		ctor, ok := outputConstructors[id]
		if !ok {
			unresolved = append(unresolved, id)
			continue
		}
		p, err := ctor()
		if err != nil {
			return nil, fmt.Errorf("plugin: constructing output plug-in %q: %w", id, err)
		}
		chain = append(chain, p)
	}
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("plugin: unresolved output plug-in identifiers: %v", unresolved)
	}
	return chain, nil
}

// RunInputChain executes every plug-in in order. A single instance's
// failure is returned to the caller, who fails only that instance — it
// never aborts the owning association, per spec.md section 4.7/7.
func RunInputChain(chain []InputPlugIn, ds *dicom.Dataset, meta *model.FileStorageMetadata) (*dicom.Dataset, *model.FileStorageMetadata, error) {
	for _, p := range chain {
		var err error
		ds, meta, err = p.Execute(ds, meta)
		if err != nil {
			return nil, nil, fmt.Errorf("plugin: input chain execute: %w", err)
		}
	}
	return ds, meta, nil
}

// RunOutputChain executes every output plug-in in order, unless msg already
// failed upstream, in which case it passes through untouched per spec.md
// section 4.5.
func RunOutputChain(chain []OutputPlugIn, msg *ExportRequestDataMessage) (*ExportRequestDataMessage, error) {
	if msg.Status != "" && msg.Status != model.FileExportSuccess {
		return msg, nil
	}
	for _, p := range chain {
		var err error
		msg, err = p.Execute(msg)
		if err != nil {
			return nil, fmt.Errorf("plugin: output chain execute: %w", err)
		}
	}
	return msg, nil
}
