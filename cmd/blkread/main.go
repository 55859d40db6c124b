package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"unsafe"

	"github.com/alecthomas/kong"
	"github.com/blkread/blkread/pkg/blkread"
	"github.com/blkread/blkread/pkg/devpath"
	"github.com/blkread/blkread/pkg/extmap"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// defaultChunkSize is how much data each device read covers (1 MiB).
const defaultChunkSize = 1024 * 1024

// CLI is the root command structure
type CLI struct {
	LogLevel string `short:"l" default:"warn" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`

	Read ReadCmd `cmd:"" help:"Read file data directly from the backing block device"`
	Map  MapCmd  `cmd:"" help:"Show a file's extent mappings and backing device"`
}

// ReadCmd reads file data via its physical extents and writes it out.
type ReadCmd struct {
	Path   string `arg:"" help:"Path to the file to read"`
	Offset uint64 `short:"o" default:"0" help:"Byte offset to start reading from"`
	Length uint64 `short:"n" help:"Number of bytes to read (default: rest of the file)"`
	Output string `short:"O" help:"Output file path (default: stdout)"`

	FillHoles     bool `help:"Fill holes with zeros instead of stopping"`
	FillUnwritten bool `help:"Fill unwritten extents with zeros instead of reading raw device data"`
	AllowFallback bool `help:"Allow fallback to regular file I/O when safe"`
	NoCache       bool `help:"Disable block device handle caching"`
	Exact         bool `help:"Fail unless the full requested length is read"`
	DryRun        bool `help:"Skip actual I/O; validate extent mappings only"`

	Alignment uint64 `default:"512" help:"Alignment for direct I/O"`
	Verbose   bool   `short:"v" help:"Print read details to stderr"`
}

func (c *ReadCmd) Run(cli *CLI) error {
	if c.Alignment == 0 || c.Alignment&(c.Alignment-1) != 0 {
		return fmt.Errorf("alignment must be a power of two, got %d", c.Alignment)
	}

	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	fileSize := uint64(stat.Size())

	length := c.Length
	if length == 0 {
		if c.Offset < fileSize {
			length = fileSize - c.Offset
		}
	}
	if length == 0 {
		if c.Verbose {
			fmt.Fprintln(os.Stderr, "nothing to read (length is 0)")
		}
		return nil
	}

	opts := blkread.DefaultOptions().
		WithCache(!c.NoCache).
		WithFillHoles(c.FillHoles).
		WithFillUnwritten(c.FillUnwritten).
		WithAllowFallback(c.AllowFallback).
		WithReadExact(c.Exact).
		WithDryRun(c.DryRun)

	var out io.Writer = os.Stdout
	if c.Output != "" {
		outFile, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer outFile.Close()
		out = outFile
	}

	// Direct I/O needs aligned offsets and lengths: start the device reads
	// at the aligned-down offset and trim the adjustment when writing.
	alignedOffset := alignDown(c.Offset, c.Alignment)
	adjustment := c.Offset - alignedOffset
	totalLength := alignUp(length+adjustment, c.Alignment)

	if c.Verbose {
		fmt.Fprintf(os.Stderr, "file: %s\n", c.Path)
		fmt.Fprintf(os.Stderr, "offset: %d (aligned %d), length: %d (aligned %d)\n",
			c.Offset, alignedOffset, length, totalLength)
	}

	reader := blkread.New(makeLogger(cli.LogLevel))
	chunkSize := alignUp(defaultChunkSize, c.Alignment)
	buf := alignedBuffer(int(chunkSize), int(c.Alignment))

	var (
		written      uint64
		devicePath   string
		usedFallback bool
		cursor       = alignedOffset
		remaining    = totalLength
		first        = true
	)

	for remaining > 0 {
		readSize := min(remaining, chunkSize)
		alignedSize := alignUp(readSize, c.Alignment)

		state, err := reader.ReadFileAt(f, buf[:alignedSize], cursor, opts)
		if err != nil {
			return err
		}
		if first {
			devicePath = state.BlockDevicePath
			usedFallback = state.UsedFallback
			first = false
		}
		if state.BytesRead == 0 {
			break
		}

		// The first chunk carries the alignment adjustment at its front.
		skip := uint64(0)
		if cursor == alignedOffset {
			skip = adjustment
		}
		avail := uint64(state.BytesRead)
		if avail <= skip {
			break
		}
		toWrite := min(avail-skip, length-written)
		if toWrite > 0 && !c.DryRun {
			if _, err := out.Write(buf[skip : skip+toWrite]); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		}
		written += toWrite

		if written >= length {
			break
		}
		if uint64(state.BytesRead) < readSize {
			// Short read: nothing more to recover.
			break
		}
		cursor += readSize
		remaining -= readSize
	}

	if c.Verbose {
		fmt.Fprintf(os.Stderr, "read %s (%d bytes)\n", humanize.IBytes(written), written)
		if devicePath != "" {
			fmt.Fprintf(os.Stderr, "block device: %s\n", devicePath)
		}
		if usedFallback {
			fmt.Fprintln(os.Stderr, "used fallback file I/O")
		}
		if c.Output != "" {
			fmt.Fprintf(os.Stderr, "output written to: %s\n", c.Output)
		}
	}
	return nil
}

// MapCmd prints a file's extent table.
type MapCmd struct {
	Path   string `arg:"" help:"Path to the file to map"`
	Offset uint64 `short:"o" default:"0" help:"Byte offset of the range to map"`
	Length uint64 `short:"n" help:"Length of the range to map (default: rest of the file)"`
}

func (c *MapCmd) Run(cli *CLI) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	fileSize := uint64(stat.Size())

	length := c.Length
	if length == 0 && c.Offset < fileSize {
		length = fileSize - c.Offset
	}

	var extents []extmap.Extent
	if length > 0 {
		extents, err = extmap.QueryRange(f, c.Offset, length)
		if err != nil {
			return fmt.Errorf("query extents: %w", err)
		}
	}

	info := table.NewWriter()
	info.SetOutputMirror(os.Stdout)
	info.SetStyle(table.StyleRounded)
	info.SetTitle("File Information")
	info.AppendRow(table.Row{"Path", c.Path})
	info.AppendRow(table.Row{"Size", humanize.IBytes(fileSize)})
	info.AppendRow(table.Row{"Range", fmt.Sprintf("[%d, %d)", c.Offset, c.Offset+length)})
	info.AppendRow(table.Row{"Extents", len(extents)})
	if dev, err := devpath.ResolveFile(f); err == nil {
		info.AppendRow(table.Row{"Block device", dev.Path})
	} else {
		info.AppendRow(table.Row{"Block device", fmt.Sprintf("(unresolved: %v)", err)})
	}
	info.Render()

	if len(extents) == 0 {
		fmt.Println("no allocated extents in range")
		return nil
	}

	fmt.Println()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Extents")
	t.AppendHeader(table.Row{"#", "Logical", "Physical", "Length", "Flags"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	for i, ext := range extents {
		t.AppendRow(table.Row{
			i,
			fmt.Sprintf("0x%x", ext.Logical),
			fmt.Sprintf("0x%x", ext.Physical),
			humanize.IBytes(ext.Length),
			ext.Flags.String(),
		})
	}
	t.Render()
	return nil
}

func alignDown(v, alignment uint64) uint64 {
	return v &^ (alignment - 1)
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// alignedBuffer returns a size-byte slice whose backing array starts on
// an align-byte boundary, as O_DIRECT reads require.
func alignedBuffer(size, align int) []byte {
	raw := make([]byte, size+align)
	shift := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1))
	if shift != 0 {
		shift = align - shift
	}
	return raw[shift : shift+size]
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("blkread"),
		kong.Description("Read file data directly from the backing block device using extent mappings"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
