package cmd

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	uploadServer   string
	uploadPolicy   int64
	uploadFile     string
	uploadUploader string
	uploadInterval time.Duration
	uploadMaxPolls int
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a comment spreadsheet and watch the job's progress",
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadServer, "server", "http://localhost:8080", "API base URL")
	uploadCmd.Flags().Int64Var(&uploadPolicy, "policy", 0, "target policy id")
	uploadCmd.Flags().StringVar(&uploadFile, "file", "", "path to the CSV or XLSX file")
	uploadCmd.Flags().StringVar(&uploadUploader, "uploader", "", "uploader id recorded on the job")
	uploadCmd.Flags().DurationVar(&uploadInterval, "poll-interval", 5*time.Second, "status poll interval")
	uploadCmd.Flags().IntVar(&uploadMaxPolls, "max-polls", 120, "maximum status polls before giving up")
	uploadCmd.MarkFlagRequired("policy")
	uploadCmd.MarkFlagRequired("file")
}

type jobStatusResponse struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	TotalRows     int      `json:"totalRows"`
	ProcessedRows int      `json:"processedRows"`
	Errors        []string `json:"errors"`
	Progress      int      `json:"progress"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	client := resty.New()

	var accepted struct {
		JobID        string `json:"jobId"`
		TotalRecords int    `json:"totalRecords"`
		Status       string `json:"status"`
	}
	resp, err := client.R().
		SetFile("file", uploadFile).
		SetHeader("X-Uploader-Id", uploadUploader).
		SetResult(&accepted).
		Post(fmt.Sprintf("%s/policies/%d/ingest-jobs", uploadServer, uploadPolicy))
	if err != nil {
		return fmt.Errorf("upload failed: %v", err)
	}
	if resp.IsError() {
		return fmt.Errorf("upload rejected (%d): %s", resp.StatusCode(), resp.String())
	}

	fmt.Printf("job %s accepted with %d rows\n", accepted.JobID, accepted.TotalRecords)
	bar := progressbar.NewOptions(accepted.TotalRecords,
		progressbar.OptionSetDescription("processing"),
		progressbar.OptionShowCount(),
	)

	var status jobStatusResponse
	for attempt := 0; attempt < uploadMaxPolls; attempt++ {
		time.Sleep(uploadInterval)

		resp, err := client.R().
			SetResult(&status).
			Get(fmt.Sprintf("%s/ingest-jobs/%s", uploadServer, accepted.JobID))
		if err != nil || resp.IsError() {
			// Transient poll failures are retried on the next tick.
			continue
		}

		bar.Set(status.ProcessedRows)
		if status.Status == "completed" || status.Status == "failed" {
			fmt.Println()
			fmt.Printf("job %s %s: %d/%d rows, %d errors\n",
				status.ID, status.Status, status.ProcessedRows, status.TotalRows, len(status.Errors))
			for _, e := range status.Errors {
				fmt.Printf("  - %s\n", e)
			}
			return nil
		}
	}

	return fmt.Errorf("job %s did not finish after %d polls", accepted.JobID, uploadMaxPolls)
}
