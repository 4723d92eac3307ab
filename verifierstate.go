package bbtrace

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/asm"
)

// This file turns a raw kernel verifier log (LogLevel 2) into structured
// per-instruction register/stack state. scratchBase's dry-run in
// verifierload.go is its only caller: parseVerifierLog is kept around for
// the --log diagnostic dump, mergedPerInstruction for the stack-depth
// figures scratchBase actually needs. The statement grammar below covers
// the line shapes the verifier commonly emits, including the ones
// mergedPerInstruction itself ignores, so that multi-line statements like
// a function call or return are consumed whole; any other line becomes an
// unknownStmt.

// parseVerifierLog parses the verbose output of the kernel eBPF verifier.
// It simply returns all statements in the order they appeared in the
// verifier output.
func parseVerifierLog(log string) []verifierStatement {
	scan := bufio.NewScanner(strings.NewReader(log))
	statements := make([]verifierStatement, 0)
	for scan.Scan() {
		parsed := parseStatement(scan)
		if parsed != nil {
			statements = append(statements, parsed)
		}
	}
	return statements
}

// mergedPerInstruction parses the verifier log, then merges the observed
// register and stack states seen for each permutation the verifier
// considers. The resulting state isn't useful for its values, just to see
// which registers are never used and which stack slots/offsets are never
// used.
func mergedPerInstruction(log string) []verifierState {
	scan := bufio.NewScanner(strings.NewReader(log))
	states := make([]verifierState, 0)

	var curState verifierState

	mergeCurState := func(state verifierState) {
		for _, reg := range state.Registers {
			found := false
			for i, curReg := range curState.Registers {
				if reg.Register == curReg.Register {
					curState.Registers[i] = reg
					found = true
					break
				}
			}
			if !found {
				curState.Registers = append(curState.Registers, reg)
			}
		}

		for _, slot := range state.Stack {
			found := false
			for i, curSlot := range curState.Stack {
				if slot.Offset == curSlot.Offset {
					curState.Stack[i] = slot
					found = true
					break
				}
			}
			if !found {
				curState.Stack = append(curState.Stack, slot)
			}
		}
	}

	applyCurState := func(instNum int) {
		if instNum >= len(states) {
			states = append(states, make([]verifierState, 1+instNum-len(states))...)
		}

		// Apply current state to `states`
		for _, curReg := range curState.Registers {
			found := false
			for i, reg := range states[instNum].Registers {
				if reg.Register == curReg.Register {
					states[instNum].Registers[i] = reg
					found = true
					break
				}
			}
			if !found {
				states[instNum].Registers = append(states[instNum].Registers, curReg)
			}
		}

		for _, curSlot := range curState.Stack {
			found := false
			for i, slot := range states[instNum].Stack {
				if slot.Offset == curSlot.Offset {
					states[instNum].Stack[i] = slot
					found = true
					break
				}
			}
			if !found {
				states[instNum].Stack = append(states[instNum].Stack, curSlot)
			}
		}
	}

	for scan.Scan() {
		parsed := parseStatement(scan)
		if parsed != nil {
			switch parsed := parsed.(type) {
			case *recapState:
				// recapState only shows relevant values, not all of
				// them, so apply the diff.
				mergeCurState(parsed.State)

			case *returnFunctionCall:
				curState = *parsed.CallerState

			case *branchEvaluation:
				curState = *parsed.State

			case *instruction:
				applyCurState(parsed.InstructionNumber)

			case *instructionState:
				applyCurState(parsed.InstructionNumber)

				// instructionState only shows relevant values, not all
				// of them, so apply the diff.
				mergeCurState(parsed.State)

			default:
				continue
			}
		}
	}

	return states
}

func parseStatement(scan *bufio.Scanner) verifierStatement {
	line := scan.Text()
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, ";") {
		return parseComment(line)
	}

	if strings.HasPrefix(line, "func#") {
		return parseSubProgLocation(line)
	}

	if strings.HasPrefix(line, "propagating") {
		return parsePropagatePrecision(line)
	}

	if strings.HasPrefix(line, "last_idx") {
		return parseBackTrackingHeader(line)
	}

	if strings.HasPrefix(line, "caller") {
		return parseFunctionCall(line, scan)
	}

	if strings.HasPrefix(line, "returning from callee") {
		return parseReturnFunctionCall(line, scan)
	}

	if statePrunedRegex.MatchString(line) {
		return parseStatePruned(line)
	}

	if instructionStateRegex.MatchString(line) {
		return parseInstructionState(line)
	}

	if instructionRegex.MatchString(line) {
		return parseInstruction(line)
	}

	if recapStateRegex.MatchString(line) {
		return parseRecapState(line)
	}

	if branchEvaluationRegex.MatchString(line) {
		return parseBranchEvaluation(line)
	}

	if backTrackInstructionRegex.MatchString(line) {
		return parseBackTrackInstruction(line)
	}

	if backTrackingTrailerRegex.MatchString(line) {
		return parseBacktrackingTrailer(line)
	}

	if loadSuccessRegex.MatchString(line) {
		return parseLoadSuccess(line)
	}

	return &unknownStmt{Log: line}
}

// verifierStatement is often a single line of the log.
type verifierStatement interface {
	fmt.Stringer
	verifierStmt()
}

// unknownStmt covers a line whose shape parseStatement doesn't recognize.
type unknownStmt struct {
	Log string
}

func (u *unknownStmt) String() string {
	return u.Log
}

func (u *unknownStmt) verifierStmt() {}

// verifierLogError wraps a line the parser matched but could not decode.
type verifierLogError struct {
	Msg string
}

func (e *verifierLogError) String() string {
	return e.Msg
}

func (e *verifierLogError) Error() string {
	return e.Msg
}

func (e *verifierLogError) verifierStmt() {}

func parseComment(line string) *commentStmt {
	return &commentStmt{
		Comment: strings.TrimPrefix(line, "; "),
	}
}

// commentStmt usually carries the original line of source the verifier
// is annotating. Example: "; if (data + nh_off > data_end)"
type commentStmt struct {
	Comment string
}

func (c *commentStmt) String() string {
	return fmt.Sprintf("; %s", c.Comment)
}

func (c *commentStmt) verifierStmt() {}

var recapStateRegex = regexp.MustCompile(`^(\d+): ?(.*)`)

func parseRecapState(line string) verifierStatement {
	match := recapStateRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &verifierLogError{Msg: "recap state: no match"}
	}

	instNr, _ := strconv.Atoi(match[1])
	state := parseVerifierState(match[2])

	return &recapState{
		InstructionNumber: instNr,
		State:             *state,
	}
}

// recapState is a recap of the current verifier state and its location,
// without indicating it evaluated an expression. This happens when the
// verifier switches state to evaluate another permutation.
// Example: "0: R1=ctx(id=0,off=0,imm=0) R10=fp0"
type recapState struct {
	InstructionNumber int
	State             verifierState
}

func (is *recapState) String() string {
	return fmt.Sprintf("%d: %s", is.InstructionNumber, is.State.String())
}

func (is *recapState) verifierStmt() {}

var instructionStateRegex = regexp.MustCompile(`^(\d+): \(([0-9a-f]{2})\)([^;]+);(.*)`)

func parseInstructionState(line string) verifierStatement {
	match := instructionStateRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &verifierLogError{Msg: "instruction state: no match"}
	}

	instNr, _ := strconv.Atoi(match[1])
	opcode, err := hex.DecodeString(match[2])
	if err != nil {
		return &verifierLogError{Msg: fmt.Sprintf("decode opcode hex: %s", err)}
	}

	state := parseVerifierState(match[4])

	return &instructionState{
		instruction: instruction{
			InstructionNumber: instNr,
			Opcode:            asm.OpCode(opcode[0]),
			Assembly:          match[3],
		},
		State: *state,
	}
}

// instructionState is logged when the verifier evaluates an instruction.
// The state is the state after the instruction was evaluated.
// Example: "0: (b7) r6 = 1; R6_w=invP1"
type instructionState struct {
	instruction
	State verifierState
}

func (is *instructionState) String() string {
	return fmt.Sprintf("%d: (%02x)%s; %s", is.InstructionNumber, byte(is.Opcode), is.Assembly, is.State.String())
}

func (is *instructionState) verifierStmt() {}

var instructionRegex = regexp.MustCompile(`^(\d+): \(([0-9a-f]{2})\)([^;]+)`)

func parseInstruction(line string) verifierStatement {
	match := instructionRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &verifierLogError{Msg: "instruction state: no match"}
	}

	instNr, _ := strconv.Atoi(match[1])
	opcode, err := hex.DecodeString(match[2])
	if err != nil {
		return &verifierLogError{Msg: fmt.Sprintf("decode opcode hex: %s", err)}
	}
	return &instruction{
		InstructionNumber: instNr,
		Opcode:            asm.OpCode(opcode[0]),
		Assembly:          match[3],
	}
}

func (is *instruction) String() string {
	return fmt.Sprintf("%d: (%02x)%s", is.InstructionNumber, byte(is.Opcode), is.Assembly)
}

func (is *instruction) verifierStmt() {}

// instruction describes a decoded instruction; embedded by statements
// that report it alongside other state.
// Example: "22: (85) call pc+4"
type instruction struct {
	InstructionNumber int
	Opcode            asm.OpCode
	Assembly          string
}

func parseVerifierState(line string) *verifierState {
	var state verifierState
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, "frame") {
		line = strings.TrimPrefix(line, "frame")
		colon := strings.Index(line, ":")
		state.FrameNumber, _ = strconv.Atoi(line[:colon])
		line = strings.TrimSpace(line[colon+1:])
	}

	for {
		equal := strings.Index(line, "=")
		if equal == -1 {
			break
		}

		key := line[:equal]
		var value string

		line = line[equal+1:]
		bktDepth := 0
		i := 0
		for {
			i++
			if i >= len(line) {
				value = line
				line = line[i:]
				break
			}

			if line[i] == '(' {
				bktDepth++
				continue
			}

			if line[i] == ')' {
				bktDepth--
				continue
			}

			if line[i] == ' ' && bktDepth == 0 {
				value = line[:i]
				line = line[i+1:]
				break
			}
		}

		if strings.HasPrefix(key, "fp") {
			stackSt := parseStackState(key, value)
			if stackSt != nil {
				state.Stack = append(state.Stack, *stackSt)
			}
		} else {
			regSt := parseRegisterState(key, value)
			if regSt != nil {
				state.Registers = append(state.Registers, *regSt)
			}
		}
	}

	return &state
}

// verifierState describes the state of the verifier at a certain point.
// Example: "frame1: R2_w=invP(id=0) R10=fp0 fp-16_w=mmmmmmmm"
type verifierState struct {
	FrameNumber int
	Registers   []registerState
	Stack       []stackState
}

func parseRegisterState(key, value string) *registerState {
	var state registerState

	if strings.HasSuffix(key, "_r") {
		key = strings.TrimSuffix(key, "_r")
		state.Liveness = livenessRead
	}

	if strings.HasSuffix(key, "_w") {
		key = strings.TrimSuffix(key, "_w")
		state.Liveness = livenessWritten
	}

	if strings.HasSuffix(key, "_D") {
		key = strings.TrimSuffix(key, "_D")
		state.Liveness = livenessDone
	}

	key = strings.Trim(key, "R")
	keyNum, _ := strconv.Atoi(key)
	state.Register = asm.Register(keyNum)

	if val := parseRegisterValue(value); val != nil {
		state.Value = *val
	}

	return &state
}

func (is *verifierState) String() string {
	var sb strings.Builder
	if is.FrameNumber != 0 {
		fmt.Fprintf(&sb, "frame%d: ", is.FrameNumber)
	}

	for i, reg := range is.Registers {
		fmt.Fprint(&sb, reg)

		if i+1 < len(is.Registers) || len(is.Stack) > 0 {
			sb.WriteString(" ")
		}
	}

	for i, stackSlot := range is.Stack {
		fmt.Fprint(&sb, stackSlot.String())

		if i+1 < len(is.Stack) {
			sb.WriteString(" ")
		}
	}

	return sb.String()
}

// liveness indicates the liveness of a register.
type liveness int

const (
	livenessNone liveness = iota
	livenessRead
	livenessWritten
	livenessDone
)

// regType indicates the data type contained in a register.
type regType int

const (
	regTypeNotInit regType = iota
	regTypeScalarValue
	regTypePtrToCtx
	regTypeConstPtrToMap
	regTypeMapValue
	regTypePtrToStack
	regTypePtrToPacket
	regTypePtrToPacketMeta
	regTypePtrToPacketEnd
	regTypePtrToFlowKeys
	regTypePtrToSock
	regTypePtrToSockCommon
	regTypePtrToTCPSock
	regTypePtrToTPBuf
	regTypePtrToXDPSock
	regTypePtrToBTFID
	regTypePtrToMem
	regTypePtrToBuf
	regTypePtrToFunc
	regTypePtrToMapKey
)

const (
	regTypeBaseType regType = 0xFF

	regTypePtrMaybeNull regType = 1 << (8 + iota)
	regTypeMemReadonly
	regTypeMemAlloc
	regTypeMemUser
	regTypeMemPreCPU
)

var rtToString = map[regType]string{
	regTypeNotInit:         "?",
	regTypeScalarValue:     "scalar",
	regTypePtrToCtx:        "ctx",
	regTypeConstPtrToMap:   "map_ptr",
	regTypePtrToMapKey:     "map_key",
	regTypeMapValue:        "map_value",
	regTypePtrToStack:      "fp",
	regTypePtrToPacket:     "pkt",
	regTypePtrToPacketMeta: "pkt_meta",
	regTypePtrToPacketEnd:  "pkt_end",
	regTypePtrToFlowKeys:   "flow_keys",
	regTypePtrToSock:       "sock",
	regTypePtrToSockCommon: "sock_common",
	regTypePtrToTCPSock:    "tcp_sock",
	regTypePtrToTPBuf:      "tp_buffer",
	regTypePtrToXDPSock:    "xdp_sock",
	regTypePtrToBTFID:      "ptr_",
	regTypePtrToMem:        "mem",
	regTypePtrToBuf:        "buf",
	regTypePtrToFunc:       "func",
}

var stringToRT = map[string]regType{
	"inv":         regTypeScalarValue,
	"scalar":      regTypeScalarValue,
	"ctx":         regTypePtrToCtx,
	"map_ptr":     regTypeConstPtrToMap,
	"map_key":     regTypePtrToMapKey,
	"map_value":   regTypeMapValue,
	"fp":          regTypePtrToStack,
	"pkt":         regTypePtrToPacket,
	"pkt_meta":    regTypePtrToPacketMeta,
	"pkt_end":     regTypePtrToPacketEnd,
	"flow_keys":   regTypePtrToFlowKeys,
	"sock":        regTypePtrToSock,
	"sock_common": regTypePtrToSockCommon,
	"tcp_sock":    regTypePtrToTCPSock,
	"tp_buffer":   regTypePtrToTPBuf,
	"xdp_sock":    regTypePtrToXDPSock,
	"ptr_":        regTypePtrToBTFID,
	"mem":         regTypePtrToMem,
	"buf":         regTypePtrToBuf,
	"func":        regTypePtrToFunc,
}

func (rt regType) String() string {
	var sb strings.Builder

	if rt&regTypeMemReadonly != 0 {
		sb.WriteString("rdonly_")
	}
	if rt&regTypeMemAlloc != 0 {
		sb.WriteString("alloc_")
	}
	if rt&regTypeMemUser != 0 {
		sb.WriteString("user_")
	}
	if rt&regTypeMemPreCPU != 0 {
		sb.WriteString("per_cpu_")
	}

	sb.WriteString(rtToString[rt&regTypeBaseType])

	if rt&regTypePtrMaybeNull != 0 {
		if rt&regTypeBaseType == regTypePtrToBTFID {
			sb.WriteString("or_null_")
		} else {
			sb.WriteString("_or_null_")
		}
	}

	return sb.String()
}

// tNum is a tracked (or tristate) number. Relevant parts ported from the
// linux kernel's include/linux/tnum.h and kernel/bpf/tnum.c.
type tNum struct {
	Value int64
	Mask  int64
}

func (t tNum) isConst() bool {
	return t.Mask == 0
}

func (t tNum) isUnknown() bool {
	return t.Mask == math.MaxInt64
}

func parseRegisterType(line string) (regType, bool, string) {
	var typ regType
	precise := false

	if strings.HasPrefix(line, "rdonly_") {
		typ = typ | regTypeMemReadonly
		line = strings.TrimPrefix(line, "rdonly_")
	}

	if strings.HasPrefix(line, "alloc_") {
		typ = typ | regTypeMemAlloc
		line = strings.TrimPrefix(line, "alloc_")
	}

	if strings.HasPrefix(line, "user_") {
		typ = typ | regTypeMemUser
		line = strings.TrimPrefix(line, "user_")
	}

	if strings.HasPrefix(line, "per_cpu_") {
		typ = typ | regTypeMemPreCPU
		line = strings.TrimPrefix(line, "per_cpu_")
	}

	if strings.HasPrefix(line, "P") {
		precise = true
		line = strings.TrimPrefix(line, "P")
	}

	// Process names from longest to shortest to avoid exiting early on a
	// shorter match.
	names := make([]string, 0, len(stringToRT))
	for name := range stringToRT {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return len(names[i]) > len(names[j])
	})

	for _, name := range names {
		if strings.HasPrefix(line, name) {
			typ = typ | stringToRT[name]
			line = strings.TrimPrefix(line, name)
			break
		}
	}

	if strings.HasPrefix(line, "or_null_") {
		typ = typ | regTypePtrMaybeNull
		line = strings.TrimPrefix(line, "or_null_")
	}

	if strings.HasPrefix(line, "_or_null_") {
		typ = typ | regTypePtrMaybeNull
		line = strings.TrimPrefix(line, "_or_null_")
	}

	if strings.HasPrefix(line, "P") {
		precise = true
		line = strings.TrimPrefix(line, "P")
	}

	return typ, precise, line
}

func parseRegisterValue(line string) *registerValue {
	var val registerValue

	line = strings.TrimSpace(line)

	val.Type, val.Precise, line = parseRegisterType(line)

	if val.Type == regTypeScalarValue {
		varOff, err := strconv.Atoi(line)
		if err == nil {
			val.VarOff.Value = int64(varOff)
			return &val
		}
	}

	line = strings.TrimSuffix(strings.TrimPrefix(line, "("), ")")
	for _, pair := range strings.Split(line, ",") {
		eq := strings.Index(pair, "=")
		if eq == -1 {
			continue
		}

		key := pair[:eq]
		valStr := pair[eq+1:]

		intVal, _ := strconv.ParseInt(valStr, 10, 64)
		uintVal, _ := strconv.ParseUint(valStr, 10, 64)

		switch key {
		case "id":
			val.ID = int(intVal)
		case "ref_obj_id":
			val.RefObjID = int(intVal)
		case "off":
			val.Off = int32(intVal)
		case "r":
			val.Range = int(intVal)
		case "ks":
			val.KeySize = int(intVal)
		case "vs":
			val.ValueSize = int(intVal)
		case "imm":
			val.VarOff.Value = intVal
		case "smin":
			val.SMinValue = intVal
		case "smax":
			val.SMaxValue = intVal
		case "umin":
			val.UMinValue = uintVal
		case "umax":
			val.UMaxValue = uintVal
		case "s32_min":
			val.S32MinValue = int32(intVal)
		case "s32_max":
			val.S32MaxValue = int32(intVal)
		case "u32_min":
			val.U32MinValue = uint32(uintVal)
		case "u32_max":
			val.U32MaxValue = uint32(uintVal)
		case "var_off":
			hexVal := valStr[1:strings.Index(valStr, ";")]
			hexMask := valStr[strings.Index(valStr, ";")+1 : strings.Index(valStr, ")")]
			val.VarOff.Value, _ = strconv.ParseInt(hexVal, 16, 64)
			val.VarOff.Value, _ = strconv.ParseInt(hexMask, 16, 64)
		}
	}

	return &val
}

// registerValue is the value part of a register's state, the part after
// the =. Example: "invP(id=2,umax_value=255,var_off=(0x0; 0xff))"
type registerValue struct {
	Type      regType
	Off       int32
	ID        int
	RefObjID  int
	Range     int
	KeySize   int
	ValueSize int
	// if (!precise && scalar) min/max/tnum don't affect safety
	Precise bool
	// For scalar types, this represents our knowledge of the actual
	// value. For pointer types, this represents the variable part of
	// the offset from the pointed-to object, shared with every register
	// carrying the same id.
	VarOff tNum
	// Used to determine if any memory access using this register will
	// result in a bad access. These refer to the same value as VarOff,
	// not necessarily the actual contents of the register.
	SMinValue   int64
	SMaxValue   int64
	UMinValue   uint64
	UMaxValue   uint64
	S32MinValue int32
	S32MaxValue int32
	U32MinValue uint32
	U32MaxValue uint32

	BTFName string
}

func (rv registerValue) String() string {
	var sb strings.Builder
	baseType := rv.Type & regTypeBaseType

	if rv.Type == regTypeScalarValue && rv.Precise {
		sb.WriteString("P")
	}

	if (rv.Type == regTypeScalarValue || rv.Type == regTypePtrToStack) && rv.VarOff.isConst() {
		if rv.Type == regTypeScalarValue {
			fmt.Fprintf(&sb, "%d", rv.VarOff.Value+int64(rv.Off))
		} else {
			sb.WriteString(rv.Type.String())
		}
		return sb.String()
	}

	sb.WriteString(rv.Type.String())
	if baseType == regTypePtrToBTFID {
		sb.WriteString(rv.BTFName)
	}
	sb.WriteString("(")

	var args []string
	if rv.ID != 0 {
		args = append(args, fmt.Sprintf("id=%d", rv.ID))
	}

	if baseType == regTypePtrToSock || baseType == regTypePtrToTCPSock || baseType == regTypePtrToMem {
		args = append(args, fmt.Sprintf("ref_obj_id=%d", rv.RefObjID))
	}

	if baseType != regTypeScalarValue {
		args = append(args, fmt.Sprintf("off=%d", rv.Off))
	}

	if baseType == regTypePtrToPacket || baseType == regTypePtrToPacketMeta {
		args = append(args, fmt.Sprintf("r=%d", rv.Range))
	} else if baseType == regTypeConstPtrToMap || baseType == regTypePtrToMapKey || baseType == regTypeMapValue {
		args = append(args, fmt.Sprintf("ks=%d,vs=%d", rv.KeySize, rv.ValueSize))
	}

	if rv.VarOff.isConst() {
		args = append(args, fmt.Sprintf("imm=%d", rv.VarOff.Value))
	} else {
		if rv.SMinValue != int64(rv.UMinValue) && rv.SMinValue != math.MinInt64 {
			args = append(args, fmt.Sprintf("smin=%d", rv.SMinValue))
		}

		if rv.SMaxValue != int64(rv.UMaxValue) && rv.SMaxValue != math.MaxInt64 {
			args = append(args, fmt.Sprintf("smax=%d", rv.SMaxValue))
		}

		if rv.UMinValue != 0 {
			args = append(args, fmt.Sprintf("umin=%d", rv.SMaxValue))
		}

		if rv.UMaxValue != math.MaxUint64 {
			args = append(args, fmt.Sprintf("umin=%d", rv.SMaxValue))
		}

		if !rv.VarOff.isUnknown() {
			args = append(args, fmt.Sprintf("var_off=(%x; %x)", rv.VarOff.Value, rv.VarOff.Mask))
		}

		if int64(rv.S32MinValue) != rv.SMinValue && rv.S32MinValue != math.MinInt32 {
			args = append(args, fmt.Sprintf("s32_min=%d", rv.S32MinValue))
		}

		if int64(rv.S32MaxValue) != rv.SMaxValue && rv.S32MaxValue != math.MaxInt32 {
			args = append(args, fmt.Sprintf("s32_max=%d", rv.S32MaxValue))
		}

		if uint64(rv.U32MinValue) != rv.UMinValue && rv.U32MinValue != 0 {
			args = append(args, fmt.Sprintf("u32_min=%d", rv.S32MinValue))
		}

		if uint64(rv.U32MaxValue) != rv.UMaxValue && rv.U32MaxValue != math.MaxUint32 {
			args = append(args, fmt.Sprintf("u32_max=%d", rv.U32MaxValue))
		}
	}

	sb.WriteString(strings.Join(args, ","))
	sb.WriteString(")")

	return sb.String()
}

// registerState describes a single register and its state.
// Example: "R1_w=invP(id=2,umax_value=255,var_off=(0x0; 0xff))"
type registerState struct {
	Register asm.Register
	Liveness liveness
	Value    registerValue
}

func (r registerState) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "R%d", r.Register)
	switch r.Liveness {
	case livenessRead:
		fmt.Fprint(&sb, "_r")
	case livenessWritten:
		fmt.Fprint(&sb, "_w")
	case livenessDone:
		fmt.Fprint(&sb, "_D")
	}

	fmt.Fprintf(&sb, "=%s", r.Value.String())

	return sb.String()
}

func parseStackState(key, value string) *stackState {
	var state stackState

	if strings.HasSuffix(key, "_r") {
		key = strings.TrimSuffix(key, "_r")
		state.Liveness = livenessRead
	}

	if strings.HasSuffix(key, "_w") {
		key = strings.TrimSuffix(key, "_w")
		state.Liveness = livenessWritten
	}

	if strings.HasSuffix(key, "_D") {
		key = strings.TrimSuffix(key, "_D")
		state.Liveness = livenessDone
	}

	key = strings.Trim(key, "fp-")
	keyNum, _ := strconv.Atoi(key)
	state.Offset = keyNum

	state.SpilledRegister.Type, state.SpilledRegister.Precise, value = parseRegisterType(value)
	if state.SpilledRegister.Type == regTypeNotInit {
		for i := 0; i < 8; i++ {
			if i >= len(value) {
				break
			}

			state.Slots[i] = stackSlot(value[i])
		}
	}

	return &state
}

// stackSlot describes the contents of a single byte within a stack slot.
type stackSlot byte

const (
	stackSlotInvalid = '?'
	stackSlotSpill   = 'r'
	stackSlotMist    = 'm'
	stackSlotZero    = '0'
)

// stackState describes the state of a single stack slot.
// Example: `fp-8=m???????`
type stackState struct {
	Offset          int
	Liveness        liveness
	SpilledRegister registerValue
	Slots           [8]stackSlot
}

func (ss *stackState) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "fp-%d", ss.Offset)

	switch ss.Liveness {
	case livenessRead:
		fmt.Fprint(&sb, "_r")
	case livenessWritten:
		fmt.Fprint(&sb, "_w")
	case livenessDone:
		fmt.Fprint(&sb, "_D")
	}

	fmt.Fprint(&sb, "=")

	if ss.SpilledRegister.Type != regTypeNotInit {
		fmt.Fprint(&sb, rtToString[ss.SpilledRegister.Type])
	} else {
		fmt.Fprint(&sb, string(ss.Slots[:]))
	}

	return sb.String()
}

var subProgLocRegex = regexp.MustCompile(`^func#(\d+) @(\d+)`)

func parseSubProgLocation(line string) *subProgLocation {
	match := subProgLocRegex.FindStringSubmatch(line)
	if len(match) != 3 {
		return nil
	}

	progID, _ := strconv.Atoi(match[1])
	instNum, _ := strconv.Atoi(match[2])
	return &subProgLocation{
		ProgID:           progID,
		StartInstruction: instNum,
	}
}

// subProgLocation states the location of a subprogram.
// Example: "func#3 @85"
type subProgLocation struct {
	ProgID           int
	StartInstruction int
}

func (spl *subProgLocation) String() string {
	return fmt.Sprintf("func#%d @%d", spl.ProgID, spl.StartInstruction)
}

func (spl *subProgLocation) verifierStmt() {}

func parsePropagatePrecision(line string) *propagatePrecision {
	line = strings.TrimPrefix(line, "propagating ")
	if strings.HasPrefix(line, "r") {
		regInt, _ := strconv.Atoi(strings.TrimPrefix(line, "r"))
		reg := asm.Register(regInt)
		return &propagatePrecision{
			Register: &reg,
		}
	}

	offset, _ := strconv.Atoi(strings.TrimPrefix(line, "fp-"))
	return &propagatePrecision{
		Offset: offset,
	}
}

// propagatePrecision indicates that the verifier is propagating the
// precision of a register or stack slot to another state.
// Example: "propagating r6"
type propagatePrecision struct {
	Register *asm.Register
	Offset   int
}

func (pp *propagatePrecision) String() string {
	if pp.Register != nil {
		return fmt.Sprintf("propagating r%d", uint8(*pp.Register))
	}

	return fmt.Sprintf("propagating fp-%d", pp.Offset)
}

func (pp *propagatePrecision) verifierStmt() {}

var statePrunedRegex = regexp.MustCompile(`^(?:from )?(\d+)(?: to (\d+))?: safe`)

func parseStatePruned(line string) *statePruned {
	match := statePrunedRegex.FindStringSubmatch(line)
	var (
		from int
		to   int
	)
	from, _ = strconv.Atoi(match[1])
	if match[2] != "" {
		to, _ = strconv.Atoi(match[2])
		return &statePruned{
			From: from,
			To:   to,
		}
	}

	return &statePruned{
		From: from,
		To:   from,
	}
}

// statePruned means the verifier considers a specific permutation safe
// and will prune the state from memory.
// Example: "25: safe" or "from 42 to 57: safe"
type statePruned struct {
	From int
	To   int
}

func (sp *statePruned) String() string {
	if sp.From == sp.To {
		return fmt.Sprintf("%d: safe", sp.From)
	}

	return fmt.Sprintf("from %d to %d: safe", sp.From, sp.To)
}

func (sp *statePruned) verifierStmt() {}

var branchEvaluationRegex = regexp.MustCompile(`^from (\d+) to (\d+): (.*)`)

func parseBranchEvaluation(line string) *branchEvaluation {
	match := branchEvaluationRegex.FindStringSubmatch(line)
	from, _ := strconv.Atoi(match[1])
	to, _ := strconv.Atoi(match[2])

	return &branchEvaluation{
		From:  from,
		To:    to,
		State: parseVerifierState(match[3]),
	}
}

// branchEvaluation means the verifier switched state and is now
// evaluating another permutation.
// Example: "from 84 to 40: frame1: R0=invP(id=0) R10=fp0 fp-8=pkt_end"
type branchEvaluation struct {
	From  int
	To    int
	State *verifierState
}

func (be *branchEvaluation) String() string {
	return fmt.Sprintf("from %d to %d: %s", be.From, be.To, be.State.String())
}

func (be *branchEvaluation) verifierStmt() {}

var backTrackingHeaderRegex = regexp.MustCompile(`^last_idx (\d+) first_idx (\d+)`)

func parseBackTrackingHeader(line string) *backTrackingHeader {
	match := backTrackingHeaderRegex.FindStringSubmatch(line)
	last, _ := strconv.Atoi(match[1])
	first, _ := strconv.Atoi(match[2])

	return &backTrackingHeader{
		Last:  last,
		First: first,
	}
}

// backTrackingHeader indicates the verifier is back tracking, followed
// by backTrackInstruction and backTrackingTrailer statements.
// Example: "last_idx 26 first_idx 20"
type backTrackingHeader struct {
	Last  int
	First int
}

func (bt *backTrackingHeader) String() string {
	return fmt.Sprintf("last_idx %d first_idx %d", bt.Last, bt.First)
}

func (bt *backTrackingHeader) verifierStmt() {}

var backTrackInstructionRegex = regexp.MustCompile(`^regs=([0-9a-fA-F]+) stack=(\d+) before (.*)`)

func parseBackTrackInstruction(line string) *backTrackInstruction {
	match := backTrackInstructionRegex.FindStringSubmatch(line)
	regs, _ := hex.DecodeString(match[1])
	stack, _ := strconv.ParseInt(match[2], 10, 64)
	inst := parseInstruction(match[3])

	return &backTrackInstruction{
		Regs:        regs,
		Stack:       stack,
		Instruction: inst.(*instruction),
	}
}

// backTrackInstruction indicates the verifier has back tracked an
// instruction. Example: "regs=4 stack=0 before 25: (bf) r1 = r0"
type backTrackInstruction struct {
	Regs        []byte
	Stack       int64
	Instruction *instruction
}

func (bt *backTrackInstruction) String() string {
	return fmt.Sprintf("regs=%x stack=%d before %s", bt.Regs, bt.Stack, bt.Instruction.String())
}

func (bt *backTrackInstruction) verifierStmt() {}

var backTrackingTrailerRegex = regexp.MustCompile(`parent (didn't have|already had) regs=([0-9a-fA-F]+) stack=(\d+) marks:? ?(.*)?`)

func parseBacktrackingTrailer(line string) *backTrackingTrailer {
	match := backTrackingTrailerRegex.FindStringSubmatch(line)
	regs, _ := hex.DecodeString(match[2])
	stack, _ := strconv.ParseInt(match[3], 10, 64)
	state := parseVerifierState(match[4])

	return &backTrackingTrailer{
		ParentMatch:   match[1] == "already had",
		Regs:          regs,
		Stack:         stack,
		VerifierState: state,
	}
}

// backTrackingTrailer indicates the verifier is done backtracking.
// Example: `parent didn't have regs=4 stack=0 marks` or
// `parent already had regs=2a stack=0 marks`
type backTrackingTrailer struct {
	ParentMatch   bool
	Regs          []byte
	Stack         int64
	VerifierState *verifierState
}

func (bt *backTrackingTrailer) String() string {
	if bt.ParentMatch {
		return fmt.Sprintf("parent already had regs=%x stack=%d marks: %s", bt.Regs, bt.Stack, bt.VerifierState.String())
	}

	return fmt.Sprintf("parent didn't have regs=%x stack=%d marks: %s", bt.Regs, bt.Stack, bt.VerifierState.String())
}

func (bt *backTrackingTrailer) verifierStmt() {}

var loadSuccessRegex = regexp.MustCompile(`processed (\d+) insns \(limit (\d+)\) max_states_per_insn (\d+) total_states (\d+) peak_states (\d+) mark_read (\d+)`)

func parseLoadSuccess(line string) *verifierDone {
	match := loadSuccessRegex.FindStringSubmatch(line)
	instProcessed, _ := strconv.Atoi(match[1])
	instLimit, _ := strconv.Atoi(match[2])
	maxStatesPerInst, _ := strconv.Atoi(match[3])
	totalStates, _ := strconv.Atoi(match[4])
	peakStates, _ := strconv.Atoi(match[5])
	markRead, _ := strconv.Atoi(match[6])

	return &verifierDone{
		InstructionsProcessed: instProcessed,
		InstructionLimit:      instLimit,
		MaxStatesPerInst:      maxStatesPerInst,
		TotalStates:           totalStates,
		PeakStates:            peakStates,
		MarkRead:              markRead,
	}
}

// verifierDone indicates the verifier is done and has failed or
// succeeded. Example: "processed 520 insns (limit 1000000)
// max_states_per_insn 1 total_states 46 peak_states 46 mark_read 7"
type verifierDone struct {
	InstructionsProcessed int
	InstructionLimit      int
	MaxStatesPerInst      int
	TotalStates           int
	PeakStates            int
	MarkRead              int
}

func (ls *verifierDone) String() string {
	return fmt.Sprintf(
		"processed %d insns (limit %d) max_states_per_insn %d total_states %d peak_states %d mark_read %d",
		ls.InstructionsProcessed,
		ls.InstructionLimit,
		ls.MaxStatesPerInst,
		ls.TotalStates,
		ls.PeakStates,
		ls.MarkRead,
	)
}

func (ls *verifierDone) verifierStmt() {}

func parseFunctionCall(firstLine string, scan *bufio.Scanner) *functionCall {
	if strings.TrimSpace(firstLine) != "caller:" {
		return nil
	}

	if !scan.Scan() {
		return nil
	}

	callerState := parseVerifierState(scan.Text())

	if !scan.Scan() {
		return nil
	}

	if strings.TrimSpace(scan.Text()) != "callee:" {
		return nil
	}

	if !scan.Scan() {
		return nil
	}

	calleeState := parseVerifierState(scan.Text())

	return &functionCall{
		CallerState: callerState,
		CalleeState: calleeState,
	}
}

// functionCall indicates the verifier is following a BPF-to-BPF function
// call. For example:
// caller:
//
//	frame1: R8_w=pkt(id=0,off=74,r=74,imm=0) R9=invP6 R10=fp0
//
// callee:
//
//	frame2: R1_w=pkt(id=0,off=54,r=74,imm=0) R2_w=invP(id=0) R10=fp0
type functionCall struct {
	CallerState *verifierState
	CalleeState *verifierState
}

func (fc *functionCall) String() string {
	return fmt.Sprintf("caller:\n%s\ncallee:\n%s", fc.CallerState.String(), fc.CalleeState.String())
}

func (fc *functionCall) verifierStmt() {}

var returnFuncCallRegex = regexp.MustCompile(`^to caller at (\d+):`)

func parseReturnFunctionCall(firstLine string, scan *bufio.Scanner) *returnFunctionCall {
	if strings.TrimSpace(firstLine) != "returning from callee:" {
		return nil
	}

	if !scan.Scan() {
		return nil
	}

	calleeState := parseVerifierState(scan.Text())

	if !scan.Scan() {
		return nil
	}

	match := returnFuncCallRegex.FindStringSubmatch(scan.Text())
	callsite, _ := strconv.Atoi(match[1])

	if !scan.Scan() {
		return nil
	}

	callerState := parseVerifierState(scan.Text())

	return &returnFunctionCall{
		CalleeState: calleeState,
		CallSite:    callsite,
		CallerState: callerState,
	}
}

// returnFunctionCall indicates the verifier is evaluating returning from
// a function call. Example:
// returning from callee:
//
//	frame2: R0=map_value(id=0,off=0,ks=1,vs=16,imm=0) R10=fp0 fp-8=m???????
//
// to caller at 156:
//
//	frame1: R0=map_value(id=0,off=0,ks=1,vs=16,imm=0) R10=fp0 fp-16=mmmmmmmm
type returnFunctionCall struct {
	CallerState *verifierState
	CallSite    int
	CalleeState *verifierState
}

func (rfc *returnFunctionCall) String() string {
	return fmt.Sprintf(
		"returning from callee:\n%s\nto caller at %d:\n%s",
		rfc.CalleeState.String(),
		rfc.CallSite,
		rfc.CallerState.String(),
	)
}

func (rfc *returnFunctionCall) verifierStmt() {}
