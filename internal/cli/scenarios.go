package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// ScenarioInfo is one catalog entry as printed by the scenarios command.
type ScenarioInfo struct {
	Name          string             `json:"name"`
	Label         string             `json:"label"`
	Description   string             `json:"description,omitempty"`
	Recording     string             `json:"recording"`
	TotalUsers    int                `json:"total_users"`
	Speed         float64            `json:"speed"`
	PopulationMix map[string]float64 `json:"population_mix,omitempty"`
}

// ScenarioList is the scenarios command output.
type ScenarioList struct {
	Scenarios []ScenarioInfo `json:"scenarios"`
}

func (l ScenarioList) String() string {
	if len(l.Scenarios) == 0 {
		return "No scenarios."
	}
	var sb strings.Builder
	for i, s := range l.Scenarios {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%-24s %s (%d users, %gx, recording %s)", s.Name, s.Label, s.TotalUsers, s.Speed, s.Recording)
		if len(s.PopulationMix) > 0 {
			names := make([]string, 0, len(s.PopulationMix))
			for name := range s.PopulationMix {
				names = append(names, name)
			}
			sort.Strings(names)
			parts := make([]string, len(names))
			for j, name := range names {
				parts[j] = fmt.Sprintf("%s=%g", name, s.PopulationMix[name])
			}
			fmt.Fprintf(&sb, "\n%-24s mix %s", "", strings.Join(parts, " "))
		}
	}
	return sb.String()
}

// NewScenariosCommand creates the scenarios command.
func NewScenariosCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List catalog scenarios",
		Long: `List the scenarios of the catalog: the built-in one, or the *.cue files
under --catalog.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(rootOpts, cmd)
		},
	}
	return cmd
}

func runScenarios(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cat, err := openCatalog(opts.config())
	if err != nil {
		_ = formatter.Error("E_CATALOG", "failed to load catalog", err.Error())
		return WrapExitError(ExitCommandError, "failed to load catalog", err)
	}

	list := ScenarioList{Scenarios: make([]ScenarioInfo, 0, cat.Len())}
	for _, s := range cat.All() {
		list.Scenarios = append(list.Scenarios, ScenarioInfo{
			Name:          s.Name,
			Label:         s.Label,
			Description:   s.Description,
			Recording:     s.Recording,
			TotalUsers:    s.TotalUsers,
			Speed:         s.Speed,
			PopulationMix: s.PopulationMix,
		})
	}
	return formatter.Success(list)
}
