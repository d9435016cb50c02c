package hunt_output

import (
	"context"
	"fmt"
	"path"

	"github.com/Velocidex/ordereddict"
	"github.com/hashicorp/go-retryablehttp"
	errors "github.com/pkg/errors"

	"github.com/harrier-ir/harrier/config"
	"github.com/harrier-ir/harrier/file_store"
	"github.com/harrier-ir/harrier/json"
)

// FileExportPlugin appends each batch to a JSONL export file in the
// file store, separate from the internal results collection so the
// export can be shipped or deleted independently.
type FileExportPlugin struct{}

func (self *FileExportPlugin) Name() string {
	return "jsonl"
}

func exportPath(hunt_id string) string {
	return path.Join("/exports", hunt_id+".jsonl")
}

func (self *FileExportPlugin) ProcessResponses(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict,
	rows []*ordereddict.Dict) error {

	fs, err := file_store.GetFileStore(config_obj)
	if err != nil {
		return err
	}

	fd, err := fs.WriteFile(exportPath(hunt_id))
	if err != nil {
		return err
	}
	defer fd.Close()

	serialized, err := json.MarshalJsonl(rows)
	if err != nil {
		return err
	}
	_, err = fd.Write(serialized)
	if err != nil {
		return err
	}

	exported, _ := state.GetInt64("exported_rows")
	state.Set("exported_rows", exported+int64(len(rows)))
	return nil
}

func (self *FileExportPlugin) Flush(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict) error {
	return nil
}

// WebhookPlugin POSTs each batch as JSONL to an HTTP endpoint given
// in the plugin args. Transient delivery failures are retried with
// backoff before the batch is reported failed.
type WebhookPlugin struct{}

func (self *WebhookPlugin) Name() string {
	return "webhook"
}

func (self *WebhookPlugin) ProcessResponses(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict,
	rows []*ordereddict.Dict) error {

	if args == nil {
		return errors.New("webhook: args are required")
	}

	url, pres := args.GetString("url")
	if !pres || url == "" {
		return errors.New("webhook: a url is required")
	}

	serialized, err := json.MarshalJsonl(rows)
	if err != nil {
		return err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	req, err := retryablehttp.NewRequest("POST", url, serialized)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Hunt-Id", hunt_id)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %v", resp.Status)
	}

	delivered, _ := state.GetInt64("delivered_rows")
	state.Set("delivered_rows", delivered+int64(len(rows)))
	return nil
}

func (self *WebhookPlugin) Flush(
	ctx context.Context,
	config_obj *config.Config,
	hunt_id string,
	args *ordereddict.Dict,
	state *ordereddict.Dict) error {
	return nil
}

func init() {
	RegisterOutputPlugin(&FileExportPlugin{})
	RegisterOutputPlugin(&WebhookPlugin{})
}
