// vsgen_convert converts a PyTorch/mmengine pretraining checkpoint into a
// GoMLX checkpoint with only the generator weights: training state is
// stripped and the momentum-encoder backbone parameters are kept under the
// "netG" prefix.
//
// Usage:
//
//	vsgen_convert --output=<dir> <checkpoint.pth>
//	vsgen_convert --list <checkpoint.pth>
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/stylemix/vsgen/convert"
)

var (
	flagOutput = flag.String("output", "", "Directory to write the converted GoMLX checkpoint to. Required, unless --list is given.")
	flagList   = flag.Bool("list", false, "Only list the parameters that would be kept, write nothing.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)

	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <checkpoint.pth>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint file to convert. See 'vsgen_convert -help'.")
		os.Exit(1)
	}
	if !*flagList && *flagOutput == "" {
		klog.Errorf("An --output directory is required, unless --list is given.")
		os.Exit(1)
	}
	inputPath := args[0]

	stateDict := must.M1(convert.LoadTorch(inputPath))
	kept := convert.FilterStateDict(stateDict)

	fmt.Println(titleStyle.Render("Generator parameters"))
	table := newPlainTable(true)
	table.Row("Name", "Shape", "Size", "Bytes")
	names := make([]string, 0, len(kept))
	for name := range kept {
		names = append(names, name)
	}
	slices.SortFunc(names, strings.Compare)
	var totalParams, totalBytes int64
	for _, name := range names {
		shape := kept[name].Shape()
		table.Row(name, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())))
		totalParams += int64(shape.Size())
		totalBytes += int64(shape.Memory())
	}
	fmt.Println(table.Render())

	summary := newPlainTable(false)
	summary.Row("checkpoint", inputPath)
	summary.Row("# parameters kept", humanize.Comma(int64(len(kept))))
	summary.Row("# dropped", humanize.Comma(int64(len(stateDict)-len(kept))))
	summary.Row("# weights", humanize.Comma(totalParams))
	summary.Row("# bytes", humanize.Bytes(uint64(totalBytes)))
	fmt.Println(summary.Render())

	if len(kept) == 0 {
		klog.Warningf("No parameter matched prefix %q: the output would be empty.", convert.MomentumEncoderPrefix)
	}
	if *flagList {
		return
	}

	ctx := context.New()
	must.M(convert.VariablesToContext(ctx, kept))
	must.M(convert.SaveCheckpoint(ctx, *flagOutput))
	fmt.Printf("Saved %d parameters to %s\n", len(kept), *flagOutput)
}
