package cmds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/go-delve/unwind/pkg/arch"
	"github.com/go-delve/unwind/pkg/config"
	"github.com/go-delve/unwind/pkg/core"
	"github.com/go-delve/unwind/pkg/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/native"
	"github.com/go-delve/unwind/pkg/tdep/all"
	"github.com/go-delve/unwind/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// osabi overrides the operating system of core files that don't specify one.
	osabi arch.OSABI
	// bigEndian selects the byte order of the architecture printed by dump.
	bigEndian bool
	// showRegs makes backtrace print the registers of every frame.
	showRegs bool
	// configPath is the configuration file used instead of the default one.
	configPath string

	conf *config.Config
)

var _ pflag.Value = (*arch.OSABI)(nil)

const unwindCommandLongDesc = `unwind prints the call stacks of the threads of core files and live processes.

The architecture of the target is recognized from the ELF header of the core
file, the stack is then unwound using signal trampolines, prologue analysis
and the register sets saved in the core file.`

// New returns an initialized command tree.
func New(c *config.Config) *cobra.Command {
	conf = c
	if conf == nil {
		conf = &config.Config{}
	}

	rootCommand := &cobra.Command{
		Use:           "unwind",
		Short:         "unwind prints call stacks of core files and processes.",
		Long:          unwindCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				c, err := config.Read(configPath)
				if err != nil {
					return err
				}
				conf = c
				if !cmd.Flags().Changed("osabi") && conf.DefaultOSABI != "" {
					if err := osabi.Set(conf.DefaultOSABI); err != nil {
						return fmt.Errorf("default-osabi: %v", err)
					}
				}
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'unwind help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'unwind help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file to use instead of the default one. Command aliases are only read from the default one.")
	osabi = arch.OSABIUnknown
	if conf.DefaultOSABI != "" {
		if o, err := arch.ParseOSABI(conf.DefaultOSABI); err == nil {
			osabi = o
		}
	}
	rootCommand.PersistentFlags().Var(&osabi, "osabi", "Operating system of core files that don't specify one ("+strings.Join(arch.OSABINames(), ", ")+").")

	// 'arches' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "arches [prefix]",
		Short: "Lists the supported architectures.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  archesCmd,
	})

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump family [variant]",
		Short: "Prints the description of an architecture.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  dumpCmd,
	}
	dumpCommand.Flags().BoolVar(&bigEndian, "big-endian", false, "Select the big endian version of the architecture.")
	rootCommand.AddCommand(dumpCommand)

	// 'backtrace' subcommand.
	backtraceCommand := &cobra.Command{
		Use:   "backtrace [executable] <core>",
		Short: "Prints the call stacks of the threads of a core file.",
		Long: `Prints the call stacks of the threads of a core file.

If the executable that produced the core file is given, its symbols are used to
name the functions of each frame and its contents are used for the memory that
the core file doesn't contain.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: backtraceCmd,
	}
	backtraceCommand.Flags().BoolVar(&showRegs, "regs", false, "Print the registers of each frame.")
	rootCommand.AddCommand(backtraceCommand)

	// 'regs' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "regs [executable] <core>",
		Short: "Prints the registers of the threads of a core file.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  regsCmd,
	})

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Prints the call stacks of the threads of a running process.",
		Long: `Stops a running process, prints the call stacks of its threads and lets it
run again.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().BoolVar(&showRegs, "regs", false, "Print the registers of each frame.")
	rootCommand.AddCommand(attachCommand)

	// 'gcore' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "gcore pid output",
		Short: "Writes a core file of a running process.",
		Args:  cobra.ExactArgs(2),
		RunE:  gcoreCmd,
	})

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "unwind\n%s\n", version.UnwindVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	arch		Log architecture selection
	unwind		Log unwinder selection for each frame
	regset		Log register set selection
	core		Log core file loading
	native		Log ptrace operations

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	for _, cmd := range rootCommand.Commands() {
		cmd.Aliases = append(cmd.Aliases, conf.Aliases[cmd.Name()]...)
	}

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func newRegistry() (*arch.Registry, error) {
	if err := conf.Check(); err != nil {
		return nil, err
	}
	return all.NewRegistry(conf)
}

func archesCmd(cmd *cobra.Command, args []string) error {
	r, err := newRegistry()
	if err != nil {
		return err
	}
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	names := r.Complete(prefix)
	if len(names) == 0 {
		return fmt.Errorf("no architecture starting with %q", prefix)
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	r, err := newRegistry()
	if err != nil {
		return err
	}
	q := arch.Query{Family: args[0], OSABI: osabi}
	if len(args) > 1 {
		q.Variant = args[1]
	}
	if cmd.Flags().Changed("big-endian") {
		q.ByteOrder = byteOrder(bigEndian)
	}
	d, err := r.Select(q)
	if err != nil {
		return err
	}
	return d.Dump(cmd.OutOrStdout())
}

func openCore(args []string) (*core.Process, error) {
	r, err := newRegistry()
	if err != nil {
		return nil, err
	}
	opts := core.Options{DefaultOSABI: osabi}
	corePath := args[0]
	if len(args) > 1 {
		opts.ExePath, corePath = args[0], args[1]
	}
	return core.Open(r, corePath, opts)
}

func backtraceCmd(cmd *cobra.Command, args []string) error {
	p, err := openCore(args)
	if err != nil {
		return err
	}
	defer p.Close()
	return printBacktraces(cmd, p)
}

func regsCmd(cmd *cobra.Command, args []string) error {
	p, err := openCore(args)
	if err != nil {
		return err
	}
	defer p.Close()
	out, _ := output(cmd)
	for _, th := range p.Threads {
		fmt.Fprintf(out, "Thread %d (%s):\n", th.ID, p.Arch)
		printRegisters(out, p.Arch, frame.New(p.Arch, th.Regs.Clone(), p.Mem, p.Syms))
		fmt.Fprintln(out)
	}
	return nil
}

func attachCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid: %s", args[0])
	}
	r, err := newRegistry()
	if err != nil {
		return err
	}
	p, err := native.Attach(r, pid)
	if err != nil {
		return err
	}
	defer p.Close()
	return printBacktraces(cmd, p.Process)
}

func gcoreCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid: %s", args[0])
	}
	r, err := newRegistry()
	if err != nil {
		return err
	}
	p, err := native.Attach(r, pid)
	if err != nil {
		return err
	}
	defer p.Close()
	segs, err := p.Segments()
	if err != nil {
		return err
	}
	err = createFile(args[1], func(out *os.File) error {
		return core.WriteCore(out, p.Arch, p.Pid, p.Threads, p.Mem, segs)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Core dump written to %s\n", args[1])
	return nil
}

// createFile creates path and fills it with write. The file is closed on
// return and removed if write or close fail.
func createFile(path string, write func(out *os.File) error) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		// write may have closed out already
		if cerr := out.Close(); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	return write(out)
}

// printBacktraces unwinds all threads of p concurrently and prints their
// call stacks in thread order.
func printBacktraces(cmd *cobra.Command, p *core.Process) error {
	out, color := output(cmd)
	bufs := make([]bytes.Buffer, len(p.Threads))
	var g errgroup.Group
	if conf.HPPAStubHeuristic {
		// the heuristic marks functions of the symbol table as stubs
		g.SetLimit(1)
	}
	for i, th := range p.Threads {
		i, th := i, th
		g.Go(func() error {
			frames, reason := p.Backtrace(th, conf.BacktraceDepth())
			return printThread(&bufs[i], p, th, frames, reason, color)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range bufs {
		if _, err := bufs[i].WriteTo(out); err != nil {
			return err
		}
	}
	return nil
}

func printThread(w io.Writer, p *core.Process, th *core.Thread, frames []*frame.Frame, reason frame.StopReason, color bool) error {
	fmt.Fprintf(w, "Thread %d (%s):\n", th.ID, p.Arch)
	width := p.Arch.PtrBytes() * 2
	for _, fr := range frames {
		pc, err := fr.PC()
		if err != nil {
			return fmt.Errorf("thread %d frame %d: %v", th.ID, fr.Level(), err)
		}
		name := "??"
		if fn, ok := fr.Function(); ok {
			name = fn.Name
			if off := pc - fn.Entry; off != 0 {
				name += fmt.Sprintf("+%#x", off)
			}
		}
		level := fmt.Sprintf("#%-3d", fr.Level())
		if color {
			level = "\x1b[1m" + level + "\x1b[0m"
			name = "\x1b[33m" + name + "\x1b[0m"
		}
		unwinder := "-"
		if u := fr.Unwinder(); u != nil {
			unwinder = u.Name()
		}
		fmt.Fprintf(w, "%s %#0*x in %s [%s %s]\n", level, width+2, pc, name, fr.Kind(), unwinder)
		if showRegs {
			printRegisters(w, p.Arch, fr)
		}
	}
	fmt.Fprintf(w, "(%s)\n\n", reason)
	return nil
}

func printRegisters(w io.Writer, d *arch.Descriptor, fr *frame.Frame) {
	for regnum := 0; regnum < d.NumRegs(); regnum++ {
		name := d.RegName(regnum)
		if name == "" {
			continue
		}
		v, err := fr.RegisterUint64(regnum)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "\t%-8s %#0*x\n", name, d.RegSize(regnum)*2+2, v)
	}
}

// output returns the writer for the output of cmd and whether it accepts
// colors.
func output(cmd *cobra.Command) (io.Writer, bool) {
	out := cmd.OutOrStdout()
	f, ok := out.(*os.File)
	if !ok || f != os.Stdout {
		return out, conf.Color != nil && *conf.Color
	}
	color := isatty.IsTerminal(f.Fd()) && os.Getenv("TERM") != "dumb"
	if conf.Color != nil {
		color = *conf.Color
	}
	if color {
		return colorable.NewColorableStdout(), true
	}
	return out, false
}

func byteOrder(big bool) binary.ByteOrder {
	if big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
