package bbtrace

// Hook names the pass expects the event-logger runtime to supply as
// BPF-to-BPF-callable subprograms in the same object, all carrying
// runtimePrefix and therefore never themselves eligible for
// instrumentation (spec.md §4.5). The runtime's implementation is an
// external collaborator (spec.md §1): bbtrace never defines these names.
// Instrument inserts calls to the five on_* hooks only; it inserts no call
// to HookRegisterModule or HookFinalize.
//
// Every hook is called as (ptr, len): R1 points at a fixed-size record
// this pass stashes on the calling function's stack immediately before
// the call, R2 is the record's length in bytes. This is the platform
// realization of spec.md §4.5's table (each hook's payload layout is
// built by its on*Call helper in instrument.go) — BPF-to-BPF calls cap out at five scalar registers,
// too few for on_call's signature once even a handful of arguments are
// included, so every hook uses the same convention for consistency
// rather than giving on_call special treatment.
const (
	HookRegisterModule = runtimePrefix + "register_module"
	HookFinalize       = runtimePrefix + "finalize"
	HookOnBasicBlock   = runtimePrefix + "on_basic_block"
	HookOnLoop         = runtimePrefix + "on_loop"
	HookOnMem          = runtimePrefix + "on_mem"
	HookOnBranch       = runtimePrefix + "on_branch"
	HookOnCall         = runtimePrefix + "on_call"
)

// RequiredHooks returns the hook names a to-be-instrumented collection
// must already declare as BPF-to-BPF-callable subprograms. Static-only
// builds need none of them, since no hook calls are inserted.
func RequiredHooks() []string {
	return []string{
		HookRegisterModule,
		HookFinalize,
		HookOnBasicBlock,
		HookOnLoop,
		HookOnMem,
		HookOnBranch,
		HookOnCall,
	}
}
