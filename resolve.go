package traybar

import (
	"context"
	"sync"
)

// SourceIdentity is the resolved ownership identity of one window.
type SourceIdentity struct {
	// PID is the process that logically created the item. Zero when the
	// lookup failed and no repair was possible.
	PID int

	// Namespace is the identity namespace derived from the source process.
	Namespace Namespace
}

// ProcessDirectory resolves identity attributes of local processes.
type ProcessDirectory interface {
	// AppID returns the application identifier of the process, such as a
	// desktop entry or well-known bus name, and whether one is known.
	AppID(pid int) (string, bool)

	// ProcessName returns the short process name and whether the process
	// exists.
	ProcessName(pid int) (string, bool)
}

// PIDLookup resolves the source process of a window through an
// out-of-process lookup service. It is only meaningful on systems where a
// shell process fronts all tray item windows, so the window owner is not
// the item's creator.
type PIDLookup interface {
	SourcePID(ctx context.Context, window WindowInfo) (int, error)
}

// SourceResolver assigns a [SourceIdentity] to every enumerated window.
// The returned slice is aligned with the input by index.
//
// Two interchangeable strategies exist: the legacy synchronous strategy
// for systems where the window owner is the item's creator, and the
// concurrent strategy for systems where ownership must be resolved through
// [PIDLookup]. [SelectResolver] picks one at startup based on a capability
// probe; the choice is not revisited.
type SourceResolver interface {
	Resolve(ctx context.Context, windows []WindowInfo) []SourceIdentity
}

// Capabilities describes the runtime environment probed once at startup.
type Capabilities struct {
	// ShellFrontsItems is true when a single shell process owns all tray
	// item windows, so owner PIDs carry no identity information.
	ShellFrontsItems bool
}

// SelectResolver returns the resolver strategy for the probed
// capabilities.
func SelectResolver(caps Capabilities, procs ProcessDirectory, lookup PIDLookup) SourceResolver {
	if caps.ShellFrontsItems && lookup != nil {
		return &concurrentResolver{procs: procs, lookup: lookup}
	}
	return &legacyResolver{procs: procs}
}

// legacyResolver derives the namespace directly and synchronously from the
// owning process: application id, else process name, else a generated
// fallback.
type legacyResolver struct {
	procs ProcessDirectory
}

func (r *legacyResolver) Resolve(_ context.Context, windows []WindowInfo) []SourceIdentity {
	identities := make([]SourceIdentity, len(windows))
	for i, w := range windows {
		identities[i] = SourceIdentity{
			PID:       w.OwnerPID,
			Namespace: namespaceForPID(r.procs, w.OwnerPID),
		}
	}
	return identities
}

// concurrentResolver resolves the source process of every window in
// parallel through the out-of-process lookup service, then repairs
// unresolved entries by title matching.
type concurrentResolver struct {
	procs  ProcessDirectory
	lookup PIDLookup
}

func (r *concurrentResolver) Resolve(ctx context.Context, windows []WindowInfo) []SourceIdentity {
	// Fixed fan-out parallel map: dispatch one lookup per window and
	// collect all results preserving original index order. The repair pass
	// below requires a complete, order-stable result set.
	pids := make([]int, len(windows))
	var wg sync.WaitGroup
	for i, w := range windows {
		wg.Add(1)
		go func(i int, w WindowInfo) {
			defer wg.Done()
			pid, err := r.lookup.SourcePID(ctx, w)
			if err != nil {
				return
			}
			pids[i] = pid
		}(i, w)
	}
	wg.Wait()

	repairUnresolvedPIDs(windows, pids)

	identities := make([]SourceIdentity, len(windows))
	for i := range windows {
		if pids[i] == 0 {
			identities[i] = SourceIdentity{Namespace: GeneratedNamespace()}
			continue
		}
		identities[i] = SourceIdentity{
			PID:       pids[i],
			Namespace: namespaceForPID(r.procs, pids[i]),
		}
	}
	return identities
}

// repairUnresolvedPIDs propagates resolved source PIDs to unresolved
// windows that share an exact title with a resolved one. A title claimed
// by more than one distinct resolved source is ambiguous and never
// propagated; windows whose title stays ambiguous or unknown are left
// unresolved.
func repairUnresolvedPIDs(windows []WindowInfo, pids []int) {
	const ambiguous = -1

	byTitle := make(map[string]int)
	for i, w := range windows {
		if pids[i] == 0 || w.Title == "" {
			continue
		}
		switch known, ok := byTitle[w.Title]; {
		case !ok:
			byTitle[w.Title] = pids[i]
		case known != pids[i]:
			byTitle[w.Title] = ambiguous
		}
	}

	for i, w := range windows {
		if pids[i] != 0 || w.Title == "" {
			continue
		}
		if pid, ok := byTitle[w.Title]; ok && pid != ambiguous {
			pids[i] = pid
		}
	}
}

// namespaceForPID derives a namespace for a process: application id, else
// process name, else a generated fallback.
func namespaceForPID(procs ProcessDirectory, pid int) Namespace {
	if procs != nil {
		if id, ok := procs.AppID(pid); ok && id != "" {
			return AppNamespace(id)
		}
		if name, ok := procs.ProcessName(pid); ok && name != "" {
			return ProcessNamespace(name)
		}
	}
	return GeneratedNamespace()
}
