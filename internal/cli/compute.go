package cli

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"wiggledb/internal/core"
)

// selectionFlags binds one operand selection to prefixed flags.
type selectionFlags struct {
	prefix       string
	operator     string
	attributes   []string
	annotations  []string
	userDatasets []string
	filters      []string
}

func (s *selectionFlags) register(fs *pflag.FlagSet, prefix, operand string) {
	s.prefix = prefix
	fs.StringVar(&s.operator, prefix+"operator", "", "operator applied to "+operand)
	fs.StringArrayVar(&s.attributes, prefix+"attr", nil, "attribute constraint name=value for "+operand+"; repeat for OR within a name, AND across names")
	fs.StringSliceVar(&s.annotations, prefix+"annotation", nil, "annotation or user dataset names forming "+operand)
	fs.StringSliceVar(&s.userDatasets, prefix+"user-dataset", nil, "user dataset names forming "+operand)
	fs.StringArrayVar(&s.filters, prefix+"filter", nil, "region filter operator:annotation[:extend] applied to "+operand)
}

// set reports whether any flag of the selection was given.
func (s *selectionFlags) set(fs *pflag.FlagSet) bool {
	for _, name := range []string{"operator", "attr", "annotation", "user-dataset", "filter"} {
		if fs.Changed(s.prefix + name) {
			return true
		}
	}
	return false
}

func (s *selectionFlags) selection() (core.Selection, error) {
	sel := core.Selection{
		Operator:     s.operator,
		Annotations:  s.annotations,
		UserDatasets: s.userDatasets,
	}
	if len(s.attributes) > 0 {
		sel.Attributes = make(map[string][]string)
	}
	for _, kv := range s.attributes {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return core.Selection{}, errors.Errorf("attribute constraint %q is not name=value", kv)
		}
		sel.Attributes[name] = append(sel.Attributes[name], value)
	}
	for _, raw := range s.filters {
		f, err := parseFilter(raw)
		if err != nil {
			return core.Selection{}, err
		}
		sel.Filters = append(sel.Filters, f)
	}
	return sel, nil
}

func parseFilter(raw string) (core.Filter, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return core.Filter{}, errors.Errorf("filter %q is not operator:annotation[:extend]", raw)
	}
	f := core.Filter{Operator: parts[0], Annotation: parts[1]}
	if len(parts) == 3 {
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return core.Filter{}, errors.Errorf("filter %q: extend must be a non-negative integer", raw)
		}
		f.Extend = n
	}
	return f, nil
}

func newComputeCommand(a *app) *cobra.Command {
	var (
		merge   string
		userID  string
		request string
		dryRun  bool
		selA    selectionFlags
		selB    selectionFlags
	)
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Serve a merge request from the cache or compute it",
		Long: `Serve a merge request. Operand A is selected with the --a-* flags and the
optional operand B with the --b-* flags; --merge combines them. A complete
request can instead be read as JSON from --request (use - for stdin).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req core.ComputeRequest
			if request != "" {
				var err error
				if req, err = readRequest(a.stdin, request); err != nil {
					return err
				}
			} else {
				selected, err := selA.selection()
				if err != nil {
					return err
				}
				req.A = selected
				if selB.set(cmd.Flags()) {
					b, err := selB.selection()
					if err != nil {
						return err
					}
					req.B = &b
				}
				req.MergeOperator = merge
				req.UserID = userID
			}
			if dryRun {
				req.DryRun = true
			}
			return writeJSON(a.stdout, a.svc.Compute(cmd.Context(), req))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&merge, "merge", "", "operator merging operands A and B, e.g. diff or overlaps")
	fs.StringVar(&userID, "userid", "", "user whose datasets may be named")
	fs.StringVar(&request, "request", "", "read the request as JSON from this file")
	fs.BoolVar(&dryRun, "dry-run", false, "print the tool command without running it")
	selA.register(fs, "a-", "operand A")
	selB.register(fs, "b-", "operand B")
	return cmd
}

func readRequest(stdin io.Reader, path string) (core.ComputeRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return core.ComputeRequest{}, errors.Wrap(err, "open request")
		}
		defer f.Close()
		r = f
	}
	var req core.ComputeRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return core.ComputeRequest{}, errors.Wrap(err, "decode request")
	}
	return req, nil
}

func newCountCommand(a *app) *cobra.Command {
	var (
		userID string
		sel    selectionFlags
	)
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count the datasets a selection resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := sel.selection()
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, a.svc.CountSelection(cmd.Context(), s, userID))
		},
	}
	cmd.Flags().StringVar(&userID, "userid", "", "user whose datasets may be named")
	sel.register(cmd.Flags(), "", "the selection")
	return cmd
}
