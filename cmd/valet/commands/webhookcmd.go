package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/valetbot/valet/pkg/valet/schedule"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage authenticated webhook entries",
	}
	cmd.AddCommand(newWebhookAddCmd(), newWebhookListCmd(), newWebhookRemoveCmd())
	return cmd
}

func newWebhookAddCmd() *cobra.Command {
	var (
		id          string
		description string
		message     string
		model       string
		noThinking  bool
		noPing      bool
		fieldSpecs  []string
		enums       []string
		maxLengths  []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a webhook entry",
		Long: `Creates a webhook entry fired by POST /hook/<id>. Validated payload
fields interpolate into the message via {name} placeholders.

Examples:
  valet webhook add --id build01 -m "The {branch} build {status}. Investigate if needed." \
    --field status:string:required --enum "status=passed,failed" \
    --field branch:string:required`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("message is required")
			}
			fields, err := parseFields(fieldSpecs, enums, maxLengths)
			if err != nil {
				return err
			}
			if id == "" {
				id = schedule.NewID()
			}

			hook := &schedule.Webhook{
				ID:          id,
				Description: description,
				Fields:      fields,
				Model:       model,
				Thinking:    !noThinking,
				Policy:      schedule.DefaultPolicy(),
				Message:     strings.TrimSpace(message),
			}
			if noPing {
				hook.Policy.AllowPing = false
			}

			store, _, err := openStore()
			if err != nil {
				return err
			}
			if err := store.WriteWebhook(hook); err != nil {
				return err
			}
			fmt.Printf("Webhook %s created\n", hook.ID)
			printIngressURL(hook.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "webhook id (random when omitted)")
	cmd.Flags().StringVar(&description, "description", "", "short label")
	cmd.Flags().StringVarP(&message, "message", "m", "", "prompt template with {name} placeholders (required)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&noThinking, "no-thinking", false, "disable extended thinking")
	cmd.Flags().BoolVar(&noPing, "no-ping", false, "forbid pings for this webhook")
	cmd.Flags().StringArrayVar(&fieldSpecs, "field", nil, "payload field as name:type[:required]")
	cmd.Flags().StringArrayVar(&enums, "enum", nil, "enum constraint as name=a,b,c")
	cmd.Flags().StringArrayVar(&maxLengths, "max-length", nil, "string length cap as name=N")
	cmd.MarkFlagRequired("message")
	return cmd
}

// parseFields turns --field/--enum/--max-length flags into field specs.
func parseFields(fieldSpecs, enums, maxLengths []string) (map[string]schedule.FieldSpec, error) {
	fields := make(map[string]schedule.FieldSpec, len(fieldSpecs))
	for _, raw := range fieldSpecs {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --field %q, want name:type[:required]", raw)
		}
		spec := schedule.FieldSpec{Type: parts[1]}
		if len(parts) > 2 {
			if parts[2] != "required" {
				return nil, fmt.Errorf("invalid --field %q, third part must be 'required'", raw)
			}
			spec.Required = true
		}
		fields[parts[0]] = spec
	}

	for _, raw := range enums {
		name, values, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --enum %q, want name=a,b", raw)
		}
		spec, exists := fields[name]
		if !exists {
			return nil, fmt.Errorf("--enum references unknown field %q", name)
		}
		spec.Enum = strings.Split(values, ",")
		fields[name] = spec
	}

	for _, raw := range maxLengths {
		name, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --max-length %q, want name=N", raw)
		}
		spec, exists := fields[name]
		if !exists {
			return nil, fmt.Errorf("--max-length references unknown field %q", name)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid --max-length value %q", value)
		}
		spec.MaxLength = n
		fields[name] = spec
	}
	return fields, nil
}

func printIngressURL(id string) {
	addr := os.Getenv("WEBHOOK_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8444"
	}
	fmt.Printf("Ingress: POST http://%s/hook/%s (Authorization: Bearer $WEBHOOK_SECRET)\n", addr, id)
}

func newWebhookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhook entries",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			hooks := store.Webhooks()
			if len(hooks) == 0 {
				fmt.Println("No webhooks.")
				return nil
			}
			for _, h := range hooks {
				names := make([]string, 0, len(h.Fields))
				for name := range h.Fields {
					names = append(names, name)
				}
				fmt.Printf("%s  fields: %s\n", h.ID, strings.Join(names, ", "))
				printIngressURL(h.ID)
			}
			return nil
		},
	}
}

func newWebhookRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a webhook entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Remove(schedule.KindWebhook, args[0]); err != nil {
				return err
			}
			fmt.Printf("Webhook %s removed\n", args[0])
			return nil
		},
	}
}
