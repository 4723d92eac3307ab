package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/go-bbtrace/bbtrace"
)

var root = &cobra.Command{
	Use: "bbtrace",
}

func main() {
	root.AddCommand(
		instrumentCmd(),
		inspectCmd(),
		diffCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func panicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

var (
	flagElfPath       string
	flagProgPinDir    string
	flagMapPinDir     string
	flagProgType      string
	flagLogPath       string
	flagDescriptorOut string
)

func instrumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "instrument {--elf=ELF path} {--prog-pin-dir=path to dir} " +
			"{--map-pin-dir=path to dir} {--descriptor=descriptor base path}",
		Short: "Instrument every eligible function in the given ELF file, pin the result, and write the descriptor",
		RunE:  instrument,
	}

	fs := cmd.Flags()

	fs.StringVar(&flagElfPath, "elf", "", "Path to the ELF file containing the programs")
	panicOnError(cmd.MarkFlagFilename("elf", "o", "elf"))
	panicOnError(cmd.MarkFlagRequired("elf"))

	fs.StringVar(&flagProgPinDir, "prog-pin-dir", "", "Directory the instrumented programs are pinned under")
	panicOnError(cmd.MarkFlagDirname("prog-pin-dir"))
	panicOnError(cmd.MarkFlagRequired("prog-pin-dir"))

	fs.StringVar(&flagProgType, "prog-type", "", "Explicitly set the program type for every unspecified program")

	fs.StringVar(&flagMapPinDir, "map-pin-dir", "", "Directory the bbtrace_pcmap/bbtrace_instmap maps are pinned under")
	panicOnError(cmd.MarkFlagDirname("map-pin-dir"))

	fs.StringVar(&flagDescriptorOut, "descriptor", "", "Override the descriptor file's base path (defaults to --elf's own path)")

	fs.StringVar(&flagLogPath, "log", "", "Path for ultra-verbose verifier log output")

	return cmd
}

func instrument(cmd *cobra.Command, args []string) error {
	spec, err := ebpf.LoadCollectionSpec(flagElfPath)
	if err != nil {
		return fmt.Errorf("load collection spec: %w", err)
	}

	if flagProgType != "" {
		progType := strToProgType[flagProgType]
		if progType == ebpf.UnspecifiedProgram {
			options := make([]string, 0, len(strToProgType))
			for option := range strToProgType {
				options = append(options, option)
			}
			sort.Strings(options)

			var sb strings.Builder
			fmt.Fprintf(&sb, "invalid --prog-type value %q, pick from:\n", flagProgType)
			for _, option := range options {
				fmt.Fprintf(&sb, " - %s\n", option)
			}
			return errors.New(sb.String())
		}

		for _, progSpec := range spec.Programs {
			if progSpec.Type == ebpf.UnspecifiedProgram {
				progSpec.Type = progType
			}
		}
	}

	moduleID := flagDescriptorOut
	if moduleID == "" {
		moduleID = flagElfPath
	}

	var verboseLog io.Writer
	if flagLogPath != "" {
		logFile, err := os.Create(flagLogPath)
		if err != nil {
			return fmt.Errorf("create log file: %w", err)
		}
		defer logFile.Close()

		buf := bufio.NewWriter(logFile)
		defer buf.Flush()
		verboseLog = buf
	}

	mod, err := bbtrace.NewModule(moduleID, spec)
	if err != nil {
		return fmt.Errorf("build module: %w", err)
	}

	var stackDepths map[string]int
	if !bbtrace.StaticOnly() {
		stackDepths, err = bbtrace.StackDepths(spec, ebpf.CollectionOptions{}, verboseLog)
		if err != nil {
			return fmt.Errorf("determine stack depths: %w", err)
		}
	}

	art, err := bbtrace.Instrument(mod, stackDepths)
	if err != nil {
		return fmt.Errorf("instrument module: %w", err)
	}

	if err := bbtrace.WriteDescriptor(moduleID, art.Descriptor); err != nil {
		fmt.Fprintf(os.Stderr, "warning: descriptor not written: %v\n", err)
	}

	if bbtrace.StaticOnly() {
		fmt.Println("static-only mode: no programs were mutated or loaded")
		return nil
	}

	for progName, insts := range art.ProgramInstructions {
		spec.Programs[progName].Instructions = insts
	}

	spec.Maps[bbtrace.PCMapName] = bbtrace.BuildPCMapSpec(mod)
	spec.Maps[bbtrace.InstMapName] = bbtrace.BuildInstMapSpec(len(art.InstPCMap))

	opts := ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{LogSize: 32 << 20},
	}
	if verboseLog != nil {
		fmt.Fprintf(verboseLog, "collection spec:\n%s\n", spew.Sdump(spec))
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return fmt.Errorf("load instrumented collection: %w", err)
	}
	defer coll.Close()

	for name, prog := range coll.Programs {
		if err := prog.Pin(filepath.Join(flagProgPinDir, name)); err != nil {
			return fmt.Errorf("pin program %q: %w", name, err)
		}
	}

	if flagMapPinDir != "" {
		if err := coll.Maps[bbtrace.PCMapName].Pin(filepath.Join(flagMapPinDir, bbtrace.PCMapName)); err != nil {
			return fmt.Errorf("pin pcmap: %w", err)
		}
		if err := coll.Maps[bbtrace.InstMapName].Pin(filepath.Join(flagMapPinDir, bbtrace.InstMapName)); err != nil {
			return fmt.Errorf("pin instmap: %w", err)
		}
	}

	if err := populatePCMaps(coll, art); err != nil {
		return fmt.Errorf("populate address maps: %w", err)
	}

	fmt.Println("programs instrumented, loaded, and pinned")
	return nil
}

// populatePCMaps writes every entry of the pass's two address maps into
// the now-loaded collection, keyed by array index in the same order
// EncodePCMap/EncodeInstMap serialize them in.
func populatePCMaps(coll *ebpf.Collection, art *bbtrace.Artifacts) error {
	pcMap := coll.Maps[bbtrace.PCMapName]
	pcBytes := bbtrace.EncodePCMap(art.PCMap)
	for i := range art.PCMap {
		rec := pcBytes[i*bbtrace.PCMapRecordSize : (i+1)*bbtrace.PCMapRecordSize]
		if err := pcMap.Put(uint32(i), rec); err != nil {
			return fmt.Errorf("put pcmap[%d]: %w", i, err)
		}
	}

	instMap := coll.Maps[bbtrace.InstMapName]
	instBytes := bbtrace.EncodeInstMap(art.InstPCMap)
	for i := range art.InstPCMap {
		rec := instBytes[i*bbtrace.InstMapRecordSize : (i+1)*bbtrace.InstMapRecordSize]
		if err := instMap.Put(uint32(i), rec); err != nil {
			return fmt.Errorf("put instmap[%d]: %w", i, err)
		}
	}

	return nil
}

var (
	flagInspectDescriptor string
)

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect {--map-pin-dir=path to dir} {--descriptor=path to .bbinfo.jsonl}",
		Short: "Check the round-trip property between a pinned bbtrace_pcmap and its descriptor file",
		RunE:  inspect,
	}

	fs := cmd.Flags()

	fs.StringVar(&flagMapPinDir, "map-pin-dir", "", "Directory the bbtrace_pcmap/bbtrace_instmap maps were pinned under")
	panicOnError(cmd.MarkFlagDirname("map-pin-dir"))
	panicOnError(cmd.MarkFlagRequired("map-pin-dir"))

	fs.StringVar(&flagInspectDescriptor, "descriptor", "", "Path to the descriptor file written alongside the pinned maps")
	panicOnError(cmd.MarkFlagFilename("descriptor", "jsonl"))
	panicOnError(cmd.MarkFlagRequired("descriptor"))

	return cmd
}

func inspect(cmd *cobra.Command, args []string) error {
	descriptor, err := bbtrace.ReadDescriptor(flagInspectDescriptor)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}

	pcMap, err := ebpf.LoadPinnedMap(filepath.Join(flagMapPinDir, bbtrace.PCMapName), nil)
	if err != nil {
		return fmt.Errorf("load pcmap pin: %w", err)
	}
	defer pcMap.Close()

	entries, err := readPCMap(pcMap)
	if err != nil {
		return fmt.Errorf("read pcmap: %w", err)
	}

	if err := bbtrace.CheckRoundTrip(descriptor, entries); err != nil {
		return fmt.Errorf("round-trip check failed: %w", err)
	}

	fmt.Printf("ok: %d pcmap entries all resolve against %d descriptor blocks\n", len(entries), len(descriptor))
	return nil
}

func readPCMap(m *ebpf.Map) ([]bbtrace.PCMapEntry, error) {
	var (
		raw []bbtrace.PCMapEntry
		key uint32
		val []byte
	)

	iter := m.Iterate()
	for iter.Next(&key, &val) {
		entries, err := bbtrace.DecodePCMap(val)
		if err != nil {
			return nil, fmt.Errorf("decode pcmap[%d]: %w", key, err)
		}
		raw = append(raw, entries...)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return raw, nil
}

var (
	flagDiffBefore   string
	flagDiffAfter    string
	flagDiffSelector string
)

func diffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff {--before=path} {--after=path} [--select=all|func:NAME|bb:ID]",
		Short: "Compare two descriptor snapshots of the same module",
		RunE:  diffRun,
	}

	fs := cmd.Flags()

	fs.StringVar(&flagDiffBefore, "before", "", "Path to the earlier descriptor file")
	panicOnError(cmd.MarkFlagFilename("before", "jsonl"))
	panicOnError(cmd.MarkFlagRequired("before"))

	fs.StringVar(&flagDiffAfter, "after", "", "Path to the later descriptor file")
	panicOnError(cmd.MarkFlagFilename("after", "jsonl"))
	panicOnError(cmd.MarkFlagRequired("after"))

	fs.StringVar(&flagDiffSelector, "select", "all", "Scope the comparison: all, func:NAME, or bb:ID")

	return cmd
}

func diffRun(cmd *cobra.Command, args []string) error {
	before, err := bbtrace.ReadDescriptor(flagDiffBefore)
	if err != nil {
		return fmt.Errorf("read --before descriptor: %w", err)
	}

	after, err := bbtrace.ReadDescriptor(flagDiffAfter)
	if err != nil {
		return fmt.Errorf("read --after descriptor: %w", err)
	}

	sel, err := bbtrace.ParseSelector(flagDiffSelector)
	if err != nil {
		return fmt.Errorf("parse --select: %w", err)
	}

	report := bbtrace.CompareDescriptors(before, after, sel)
	if report == "" {
		fmt.Println("no differences within selection")
		return nil
	}

	fmt.Print(report)
	return nil
}

var strToProgType = map[string]ebpf.ProgramType{
	"socket":                ebpf.SocketFilter,
	"sk_reuseport/migrate":  ebpf.SkReuseport,
	"sk_reuseport":          ebpf.SkReuseport,
	"kprobe":                ebpf.Kprobe,
	"uprobe":                ebpf.Kprobe,
	"kretprobe":             ebpf.Kprobe,
	"uretprobe":             ebpf.Kprobe,
	"tc":                    ebpf.SchedCLS,
	"classifier":            ebpf.SchedCLS,
	"action":                ebpf.SchedACT,
	"tracepoint":            ebpf.TracePoint,
	"tp":                    ebpf.TracePoint,
	"raw_tracepoint":        ebpf.RawTracepoint,
	"raw_tp":                ebpf.RawTracepoint,
	"raw_tracepoint.w":      ebpf.RawTracepointWritable,
	"raw_tp.w":              ebpf.RawTracepointWritable,
	"tp_btf":                ebpf.Tracing,
	"fentry":                ebpf.Tracing,
	"fmod_ret":              ebpf.Tracing,
	"fexit":                 ebpf.Tracing,
	"freplace":              ebpf.Extension,
	"lsm":                   ebpf.LSM,
	"iter":                  ebpf.Tracing,
	"syscall":               ebpf.Syscall,
	"xdp":                   ebpf.XDP,
	"perf_event":            ebpf.PerfEvent,
	"lwt_in":                ebpf.LWTIn,
	"lwt_out":               ebpf.LWTOut,
	"lwt_xmit":              ebpf.LWTXmit,
	"lwt_seg6local":         ebpf.LWTSeg6Local,
	"cgroup_skb/ingress":    ebpf.CGroupSKB,
	"cgroup_skb/egress":     ebpf.CGroupSKB,
	"cgroup/skb":            ebpf.CGroupSKB,
	"cgroup/sock":           ebpf.CGroupSock,
	"cgroup/dev":            ebpf.CGroupDevice,
	"sockops":               ebpf.SockOps,
	"sk_skb":                ebpf.SkSKB,
	"sk_msg":                ebpf.SkMsg,
	"lirc_mode2":            ebpf.LircMode2,
	"flow_dissector":        ebpf.FlowDissector,
	"cgroup/bind4":          ebpf.CGroupSockAddr,
	"cgroup/bind6":          ebpf.CGroupSockAddr,
	"cgroup/connect4":       ebpf.CGroupSockAddr,
	"cgroup/connect6":       ebpf.CGroupSockAddr,
	"cgroup/sysctl":         ebpf.CGroupSysctl,
	"cgroup/getsockopt":     ebpf.CGroupSockopt,
	"cgroup/setsockopt":     ebpf.CGroupSockopt,
	"struct_ops":            ebpf.StructOps,
	"sk_lookup":             ebpf.SkLookup,
}
