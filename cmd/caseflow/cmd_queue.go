package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"caseflow/internal/config"
	"caseflow/internal/queue"
	"caseflow/internal/store"
)

var (
	addCaseID   string
	addClientID string
	addName     string
	addDocs     []string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the case queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a case to the queue",
	Long: `Adds a PENDING case row. Document links are given as KIND=LINK
pairs, one --doc flag per document. Valid kinds:

  TRANSCRIPT_INTERVIEW, DOE_ABUSE, DOE_GMC, DAIR, FAIR, RAPSHEET, AI_SUMMARY

Example:
  caseflow queue add --client C-1042 --name "Doe, J." \
    --doc TRANSCRIPT_INTERVIEW=https://drive.example/t.pdf \
    --doc RAPSHEET=https://drive.example/r.pdf`,
	RunE: queueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all queued cases",
	RunE:  queueList,
}

var queueResetCmd = &cobra.Command{
	Use:   "reset [case-id]",
	Short: "Return an ERROR case to PENDING",
	Args:  cobra.ExactArgs(1),
	RunE:  queueReset,
}

func init() {
	queueAddCmd.Flags().StringVar(&addCaseID, "id", "", "case id (generated when omitted)")
	queueAddCmd.Flags().StringVar(&addClientID, "client", "", "client id")
	queueAddCmd.Flags().StringVar(&addName, "name", "", "client name")
	queueAddCmd.Flags().StringArrayVar(&addDocs, "doc", nil, "document link as KIND=LINK (repeatable)")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueResetCmd)
}

func openQueue() (*store.QueueStore, error) {
	cfg := config.Default()
	if loaded, err := config.Load(configPath); err == nil {
		cfg = loaded
	}
	return store.NewQueueStore(cfg.Queue.DatabasePath)
}

func parseDocFlags(flags []string) (map[queue.DocumentKind]string, error) {
	valid := make(map[queue.DocumentKind]bool, len(queue.KindOrder))
	for _, k := range queue.KindOrder {
		valid[k] = true
	}

	docs := make(map[queue.DocumentKind]string)
	for _, flag := range flags {
		kind, link, found := strings.Cut(flag, "=")
		if !found || link == "" {
			return nil, fmt.Errorf("malformed --doc %q, want KIND=LINK", flag)
		}
		k := queue.DocumentKind(strings.ToUpper(kind))
		if !valid[k] {
			return nil, fmt.Errorf("unknown document kind %q", kind)
		}
		docs[k] = link
	}
	return docs, nil
}

func queueAdd(cmd *cobra.Command, args []string) error {
	docs, err := parseDocFlags(addDocs)
	if err != nil {
		return err
	}

	id := addCaseID
	if id == "" {
		id = uuid.NewString()
	}

	qs, err := openQueue()
	if err != nil {
		return err
	}
	defer qs.Close()

	row := queue.CaseRow{ID: id, ClientID: addClientID, Name: addName, Documents: docs}
	if err := qs.Add(cmd.Context(), row); err != nil {
		return err
	}
	fmt.Printf("Queued case %s with %d documents\n", id, len(docs))
	return nil
}

func queueList(cmd *cobra.Command, args []string) error {
	qs, err := openQueue()
	if err != nil {
		return err
	}
	defer qs.Close()

	rows, err := qs.ListAll(cmd.Context())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLIENT\tSTATUS\tDOCS\tDETAIL")
	for _, row := range rows {
		detail := row.ErrReason
		if row.Status == queue.StatusCompleted {
			if result, err := qs.Result(cmd.Context(), row.ID); err == nil && result != nil {
				detail = result.ReportLink
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			row.ID, row.ClientID, row.Status, len(row.PresentDocuments()), detail)
	}
	return w.Flush()
}

func queueReset(cmd *cobra.Command, args []string) error {
	qs, err := openQueue()
	if err != nil {
		return err
	}
	defer qs.Close()

	if err := qs.Reset(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Case %s returned to PENDING\n", args[0])
	return nil
}
