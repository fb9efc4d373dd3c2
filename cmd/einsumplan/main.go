// einsumplan prints how an einsum expression `result = lhs OP rhs` is planned, and optionally
// executes it on random data.
//
// Example:
//
//	einsumplan -result=i,j -lhs=i,k -rhs=k,j -dims=i=128,j=64,k=256 -backend=distributed:4
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/einsum/backends/dense"
	_ "github.com/gomlx/einsum/backends/distributed"
	"github.com/gomlx/einsum/pkg/core/dispatch"
	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/einsum/pkg/core/planner"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagResult = flag.String("result", "", "Comma-separated label of the result, e.g. \"i,j\".")
	flagLHS    = flag.String("lhs", "", "Comma-separated label of the left-hand side operand.")
	flagRHS    = flag.String("rhs", "", "Comma-separated label of the right-hand side operand. "+
		"Leave empty for unary operations.")
	flagDims = flag.String("dims", "", "Extents of the symbols, e.g. \"i=2,j=3,k=4\". "+
		"If set, the operation is executed on random data.")
	flagOp = flag.String("op", "auto", "Operation to execute: auto, add, subtract, hadamard, permute, scale or contract. "+
		"auto picks permute or hadamard for elementwise expressions and contract for pure contractions.")
	flagBackend = flag.String("backend", "", fmt.Sprintf("Backend configuration, e.g. \"distributed:4\". "+
		"Defaults to $%s, or the dense backend.", backends.EinsumBackendEnv))
	flagNoColor = flag.Bool("no_color", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	einsum, err := planner.ParseEinsum(*flagResult, *flagLHS, *flagRHS)
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	reportRoles(einsum)
	if einsum.IsPureContraction() && !einsum.IsUnary() {
		if contraction, err := planner.NewContraction(einsum.ResultLabel(), einsum.LHSLabel(), einsum.RHSLabel()); err == nil {
			reportContraction(contraction)
		} else {
			fmt.Printf("Not a valid contraction: %v\n", err)
		}
	}

	if *flagDims == "" {
		return
	}
	extents := must.M1(parseDims(*flagDims))
	op := must.M1(pickOperation(*flagOp, einsum))
	if err := execute(einsum, op, extents); err != nil {
		klog.Errorf("Failed to execute %s: %+v", op, err)
		os.Exit(1)
	}
}

func reportRoles(einsum *planner.EinsumPlanner) {
	fmt.Println(titleStyle.Render("Roles"))
	table := newHighlightTable(lipgloss.Center)
	table.Table.Headers("Symbol", "Role", "Result", "LHS", "RHS")
	for _, symbol := range einsum.Symbols().Symbols() {
		role, _ := einsum.RoleOf(symbol)
		table.Row(role == planner.RoleDummy, symbol, role.String(),
			positions(einsum.ResultLabel(), symbol),
			positions(einsum.LHSLabel(), symbol),
			positions(einsum.RHSLabel(), symbol))
	}
	fmt.Println(table.Table.Render())

	summary := newPlainTable(lipgloss.Right, lipgloss.Left)
	for _, operand := range []struct {
		name  string
		roles planner.Roles
	}{{"result", einsum.Result()}, {"lhs", einsum.LHS()}, {"rhs", einsum.RHS()}} {
		summary.Row(operand.name, fmt.Sprintf("batch=%q free=%q dummy=%q trace=%q",
			operand.roles.Batch(), operand.roles.Free(), operand.roles.Dummy(), operand.roles.Trace()))
	}
	summary.Row("elementwise", strconv.FormatBool(einsum.IsElementwise()))
	summary.Row("pure contraction", strconv.FormatBool(einsum.IsPureContraction()))
	fmt.Println(summary.Render())
}

// positions returns the axes where symbol appears in label, or "-".
func positions(label labels.Label, symbol string) string {
	axes := label.Find(symbol)
	if len(axes) == 0 {
		return "-"
	}
	parts := make([]string, len(axes))
	for ii, axis := range axes {
		parts[ii] = strconv.Itoa(axis)
	}
	return strings.Join(parts, ",")
}

func reportContraction(contraction *planner.ContractionPlanner) {
	fmt.Println(titleStyle.Render("Contraction"))
	plan := contraction.Plan()
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("lhs free", plan.LHSFree.String())
	table.Row("rhs free", plan.RHSFree.String())
	table.Row("lhs dummy", plan.LHSDummy.String())
	table.Row("rhs dummy", plan.RHSDummy.String())
	table.Row("lhs permutation", plan.LHSPermutation.String())
	table.Row("rhs permutation", plan.RHSPermutation.String())
	table.Row("matmul label", plan.MatMulLabel.String())
	table.Row("output permutation", plan.OutputPermutation.String())
	fmt.Println(table.Render())
}

// parseDims parses "i=2,j=3" into the extent of each symbol.
func parseDims(dims string) (map[string]int, error) {
	extents := make(map[string]int)
	for _, part := range strings.Split(dims, labels.Delimiter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid -dims entry %q, expected \"<symbol>=<extent>\"", part)
		}
		extent, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || extent < 0 {
			return nil, errors.Errorf("invalid extent in -dims entry %q", part)
		}
		extents[strings.TrimSpace(symbol)] = extent
	}
	return extents, nil
}

// pickOperation resolves the -op flag for the expression.
func pickOperation(op string, einsum *planner.EinsumPlanner) (string, error) {
	op = strings.ToLower(strings.TrimSpace(op))
	switch op {
	case "add", "subtract", "hadamard", "permute", "scale", "contract":
		return op, nil
	case "auto", "":
		switch {
		case einsum.IsUnary() && einsum.IsElementwise():
			return "permute", nil
		case einsum.IsElementwise():
			return "hadamard", nil
		case einsum.IsPureContraction():
			return "contract", nil
		}
		return "", errors.Errorf("expression %q <- %q, %q is neither elementwise nor a pure contraction",
			einsum.ResultLabel(), einsum.LHSLabel(), einsum.RHSLabel())
	}
	return "", errors.Errorf("unknown operation %q", op)
}

// randomOperand creates a float64 tensor for label, using the extents of its symbols.
func randomOperand(rng *rand.Rand, label labels.Label, extents map[string]int) (dispatch.Operand, error) {
	dims := make([]int, label.Len())
	for axis := range dims {
		extent, found := extents[label.At(axis)]
		if !found {
			return dispatch.Operand{}, errors.Errorf("missing extent of symbol %q in -dims", label.At(axis))
		}
		dims[axis] = extent
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float64, size)
	for ii := range values {
		values[ii] = rng.NormFloat64()
	}
	// The registered backends all operate on dense tensors.
	tensor, err := dense.FromFlat(values, dims...)
	if err != nil {
		return dispatch.Operand{}, err
	}
	return dispatch.Operand{Tensor: tensor, Label: label}, nil
}

func execute(einsum *planner.EinsumPlanner, op string, extents map[string]int) error {
	var backend backends.Backend
	var err error
	if *flagBackend != "" {
		backend, err = backends.NewWithConfig(*flagBackend)
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		return err
	}
	d, err := dispatch.New(backend)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	out, err := randomOperand(rng, einsum.ResultLabel(), extents)
	if err != nil {
		return err
	}
	lhs, err := randomOperand(rng, einsum.LHSLabel(), extents)
	if err != nil {
		return err
	}
	rhs, err := randomOperand(rng, einsum.RHSLabel(), extents)
	if err != nil {
		return err
	}

	start := time.Now()
	switch op {
	case "add":
		err = d.Add(out, lhs, rhs)
	case "subtract":
		err = d.Subtract(out, lhs, rhs)
	case "hadamard":
		err = d.Hadamard(out, lhs, rhs)
	case "permute":
		err = d.Permute(out, lhs)
	case "scale":
		err = d.ScalarMultiply(out, 2, lhs)
	case "contract":
		err = d.Contract(out, lhs, rhs)
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Println(titleStyle.Render("Execution"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("backend", fmt.Sprint(backend))
	table.Row("operation", op)
	var totalMemory uintptr
	for _, operand := range []struct {
		name string
		op   dispatch.Operand
	}{{"result", out}, {"lhs", lhs}, {"rhs", rhs}} {
		tensor := operand.op.Tensor.(*dense.Tensor)
		totalMemory += tensor.Memory()
		table.Row(operand.name, fmt.Sprintf("%v: %s elements, %s", tensor.Dimensions(),
			humanize.Comma(int64(tensor.Size())), humanize.Bytes(uint64(tensor.Memory()))))
	}
	table.Row("total memory", humanize.Bytes(uint64(totalMemory)))
	table.Row("elapsed", elapsed.String())
	if withStats, ok := backend.(interface{ Stats() dense.Stats }); ok {
		stats := withStats.Stats()
		table.Row("primitives", fmt.Sprintf("combines=%d shuffles=%d copies=%d scales=%d matmuls=%d",
			stats.Combines, stats.Shuffles, stats.Copies, stats.Scales, stats.MatMuls))
	}
	fmt.Println(table.Render())
	return nil
}
