package matrix

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

const (
	contentScheme   = "mxc://"
	mediaPrefix     = "/_matrix/media/v3"
	identiconServer = "identicon"

	// autoSuffix is a legacy client marker some avatars carry. It is not
	// part of the media ID.
	autoSuffix = "#auto"
)

// Thumbnail resize methods.
const (
	ThumbnailCrop  = "crop"
	ThumbnailScale = "scale"
)

// ParseContentURI validates an mxc:// URI.
func ParseContentURI(uri string) (id.ContentURI, error) {
	parsed, err := id.ParseContentURI(strings.TrimSuffix(uri, autoSuffix))
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("parsing content uri %q: %w", uri, err)
	}

	if parsed.IsEmpty() {
		return id.ContentURI{}, fmt.Errorf("parsing content uri %q: empty", uri)
	}

	return parsed, nil
}

// DownloadURL resolves an mxc:// URI to an HTTP download URL on the
// homeserver. Anything that is not an mxc:// URI is returned unchanged.
func (c *Client) DownloadURL(contentURI string) (string, error) {
	if !strings.HasPrefix(contentURI, contentScheme) {
		return contentURI, nil
	}

	parsed, err := ParseContentURI(contentURI)
	if err != nil {
		return "", err
	}

	return c.baseURL + mediaPrefix + "/download/" + parsed.Homeserver + "/" + parsed.FileID, nil
}

// ThumbnailURL resolves an mxc:// URI to a thumbnail URL. Identicon URIs
// are served from the media prefix directly, without the thumbnail path.
func (c *Client) ThumbnailURL(contentURI string, width, height int, method string) (string, error) {
	if !strings.HasPrefix(contentURI, contentScheme) {
		return contentURI, nil
	}

	parsed, err := ParseContentURI(contentURI)
	if err != nil {
		return "", err
	}

	if method != ThumbnailCrop {
		method = ThumbnailScale
	}

	q := url.Values{}
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	q.Set("method", method)

	path := mediaPrefix + "/"
	if parsed.Homeserver != identiconServer {
		path += "thumbnail/"
	}

	return c.baseURL + path + parsed.Homeserver + "/" + parsed.FileID + "?" + q.Encode(), nil
}

// IdenticonURI returns the generated-avatar content URI for a user.
func IdenticonURI(userID string) (string, error) {
	if _, _, err := id.UserID(userID).Parse(); err != nil {
		return "", fmt.Errorf("parsing user id %q: %w", userID, err)
	}

	return contentScheme + identiconServer + "/" + url.QueryEscape(userID), nil
}
