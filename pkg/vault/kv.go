package vault

import (
	"context"
	"fmt"
	"strings"
)

// WriteKV writes data to a KV version 2 mount at path
func (c *Client) WriteKV(ctx context.Context, mount, path string, data map[string]interface{}) error {
	_, err := c.Logical().WriteWithContext(ctx, kvDataPath(mount, path), map[string]interface{}{
		"data": data,
	})
	if err != nil {
		return classify("write kv", err)
	}
	return nil
}

// ReadKV reads the latest version of a KV version 2 secret; nil when absent
func (c *Client) ReadKV(ctx context.Context, mount, path string) (map[string]interface{}, error) {
	secret, err := c.Logical().ReadWithContext(ctx, kvDataPath(mount, path))
	if err != nil {
		return nil, classify("read kv", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	return data, nil
}

func kvDataPath(mount, path string) string {
	return fmt.Sprintf("%s/data/%s", strings.Trim(mount, "/"), strings.Trim(path, "/"))
}
