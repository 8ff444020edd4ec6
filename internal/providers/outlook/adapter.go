package outlook

import (
	"context"
	"strings"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	absauth "github.com/microsoft/kiota-abstractions-go/authentication"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

// messageFields is the projection requested for listings.
var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "body", "bodyPreview",
	"from", "toRecipients", "ccRecipients", "bccRecipients",
	"receivedDateTime", "sentDateTime", "isRead", "hasAttachments", "importance", "parentFolderId",
}

// ListMessages returns one page of folder, newest first. filter is passed to
// Graph verbatim as $filter.
func (c *Client) ListMessages(ctx context.Context, folder string, pageSize, skip int, filter string) (*sync.MessagePage, error) {
	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     Int32Ptr(int32(pageSize)),
		Orderby: []string{"receivedDateTime desc"},
		Select:  messageFields,
	}
	if skip > 0 {
		params.Skip = Int32Ptr(int32(skip))
	}
	if filter != "" {
		params.Filter = &filter
	}
	config := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params}

	var result models.MessageCollectionResponseable
	err := c.call(ctx, "list_messages", func(ctx context.Context) error {
		var err error
		result, err = c.user().MailFolders().ByMailFolderId(folder).Messages().Get(ctx, config)
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &sync.MessagePage{}
	if result == nil {
		return page, nil
	}
	for _, m := range result.GetValue() {
		if m == nil {
			continue
		}
		page.Messages = append(page.Messages, normalizeOutlook(m))
	}
	if next := result.GetOdataNextLink(); next != nil && *next != "" {
		page.HasMore = true
		page.NextSkip = skip + len(page.Messages)
	}
	return page, nil
}

// GetMessage returns one message with its attachment metadata.
func (c *Client) GetMessage(ctx context.Context, id string) (*sync.Message, error) {
	config := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Expand: []string{"attachments"},
		},
	}

	var result models.Messageable
	err := c.call(ctx, "get_message", func(ctx context.Context) error {
		var err error
		result, err = c.user().Messages().ByMessageId(id).Get(ctx, config)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &apperr.ProviderError{Op: "get_message", Body: "empty response"}
	}

	msg := normalizeOutlook(result)
	for _, a := range result.GetAttachments() {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, sync.AttachmentMeta{
			ID:          deref(a.GetId()),
			Name:        deref(a.GetName()),
			ContentType: deref(a.GetContentType()),
			Size:        int(derefInt32(a.GetSize())),
			IsInline:    derefBool(a.GetIsInline()),
		})
	}
	return &msg, nil
}

// SendMessage sends req from the connected mailbox.
func (c *Client) SendMessage(ctx context.Context, req sync.SendRequest) (*sync.SendResult, error) {
	if len(req.To) == 0 {
		return nil, &apperr.ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}

	msg := models.NewMessage()
	msg.SetSubject(&req.Subject)

	bodyType := models.HTML_BODYTYPE
	if req.BodyType == sync.BodyText {
		bodyType = models.TEXT_BODYTYPE
	}
	body := models.NewItemBody()
	body.SetContentType(&bodyType)
	body.SetContent(&req.Body)
	msg.SetBody(body)

	msg.SetToRecipients(toRecipients(req.To))
	if len(req.Cc) > 0 {
		msg.SetCcRecipients(toRecipients(req.Cc))
	}
	if len(req.Bcc) > 0 {
		msg.SetBccRecipients(toRecipients(req.Bcc))
	}

	if len(req.Attachments) > 0 {
		attachments := make([]models.Attachmentable, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			fa := models.NewFileAttachment()
			fa.SetName(&a.Name)
			fa.SetContentType(&a.ContentType)
			fa.SetContentBytes(a.Content)
			attachments = append(attachments, fa)
		}
		msg.SetAttachments(attachments)
	}

	payload := users.NewItemSendMailPostRequestBody()
	payload.SetMessage(msg)
	payload.SetSaveToSentItems(&req.SaveToSentItems)

	err := c.call(ctx, "send_message", func(ctx context.Context) error {
		return c.user().SendMail().Post(ctx, payload, nil)
	})
	if err != nil {
		return nil, err
	}

	return &sync.SendResult{
		Accepted:   true,
		Recipients: len(req.To) + len(req.Cc) + len(req.Bcc),
	}, nil
}

// MarkRead sets isRead on a message. Marking a read message again is a no-op.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	update := models.NewMessage()
	isRead := true
	update.SetIsRead(&isRead)

	return c.call(ctx, "mark_read", func(ctx context.Context) error {
		_, err := c.user().Messages().ByMessageId(id).Patch(ctx, update, nil)
		return err
	})
}

// GetProfile returns the mailbox address and display name.
func (c *Client) GetProfile(ctx context.Context) (*sync.Profile, error) {
	config := &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"mail", "userPrincipalName", "displayName"},
		},
	}

	var result models.Userable
	err := c.call(ctx, "get_profile", func(ctx context.Context) error {
		var err error
		result, err = c.user().Get(ctx, config)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &apperr.ProviderError{Op: "get_profile", Body: "empty response"}
	}

	address := deref(result.GetMail())
	if address == "" {
		address = deref(result.GetUserPrincipalName())
	}
	return &sync.Profile{Address: address, DisplayName: deref(result.GetDisplayName())}, nil
}

// normalizeOutlook converts a Graph message to the projected fields.
func normalizeOutlook(m models.Messageable) sync.Message {
	msg := sync.Message{
		ID:                deref(m.GetId()),
		ConversationID:    deref(m.GetConversationId()),
		InternetMessageID: deref(m.GetInternetMessageId()),
		Subject:           deref(m.GetSubject()),
		BodyPreview:       deref(m.GetBodyPreview()),
		ReceivedAt:        m.GetReceivedDateTime(),
		SentAt:            m.GetSentDateTime(),
		IsRead:            derefBool(m.GetIsRead()),
		HasAttachments:    derefBool(m.GetHasAttachments()),
		ParentFolderID:    deref(m.GetParentFolderId()),
		Importance:        sync.ImportanceNormal,
	}

	// stored as HTML whatever the content type
	if body := m.GetBody(); body != nil {
		msg.BodyHTML = deref(body.GetContent())
	}

	if from := m.GetFrom(); from != nil {
		msg.From = participant(from.GetEmailAddress())
	}

	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())
	msg.Bcc = extractAddresses(m.GetBccRecipients())

	if imp := m.GetImportance(); imp != nil {
		msg.Importance = sync.ParseImportance(strings.ToLower(imp.String()))
	}

	return msg
}

// extractAddresses keeps recipient order and skips entries without an address.
func extractAddresses(recipients []models.Recipientable) []sync.Participant {
	var out []sync.Participant
	for _, r := range recipients {
		if r == nil {
			continue
		}
		p := participant(r.GetEmailAddress())
		if p.Address == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func participant(addr models.EmailAddressable) sync.Participant {
	if addr == nil {
		return sync.Participant{}
	}
	return sync.Participant{Address: deref(addr.GetAddress()), Name: deref(addr.GetName())}
}

func toRecipients(ps []sync.Participant) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(ps))
	for _, p := range ps {
		addr := models.NewEmailAddress()
		address := p.Address
		addr.SetAddress(&address)
		if p.Name != "" {
			name := p.Name
			addr.SetName(&name)
		}
		r := models.NewRecipient()
		r.SetEmailAddress(addr)
		out = append(out, r)
	}
	return out
}

// tokenAuthProvider sets the bearer header from the client's current token.
type tokenAuthProvider struct {
	client *Client
}

var _ absauth.AuthenticationProvider = (*tokenAuthProvider)(nil)

func (p *tokenAuthProvider) AuthenticateRequest(_ context.Context, request *abstractions.RequestInformation, _ map[string]interface{}) error {
	request.Headers.Add("Authorization", "Bearer "+p.client.accessToken())
	return nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	return b != nil && *b
}

func derefInt32(i *int32) int32 {
	if i == nil {
		return 0
	}
	return *i
}
