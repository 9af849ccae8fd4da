package chat

import v1 "bazaar/shared/contracts/realtime/v1"

// Wire converts c to its protocol shape.
func (c Content) Wire() v1.Content {
	out := v1.Content{
		Kind:            string(c.Kind),
		Text:            c.Text,
		URL:             c.URL,
		Label:           c.Label,
		DurationSeconds: c.DurationSeconds,
	}
	if c.Kind == KindLocation {
		lat, lng := c.Latitude, c.Longitude
		out.Latitude, out.Longitude = &lat, &lng
	}
	return out
}

// ContentFromWire converts a protocol content. The result still has to pass Normalize.
func ContentFromWire(w v1.Content) Content {
	c := Content{
		Kind:            Kind(w.Kind),
		Text:            w.Text,
		URL:             w.URL,
		Label:           w.Label,
		DurationSeconds: w.DurationSeconds,
	}
	if w.Latitude != nil {
		c.Latitude = *w.Latitude
	}
	if w.Longitude != nil {
		c.Longitude = *w.Longitude
	}
	return c
}

// Wire converts m to its protocol shape.
// A client id equal to the message id was minted by the server and is omitted.
func (m Message) Wire() v1.Message {
	clientMsgID := m.ClientMsgID
	if clientMsgID == m.ID {
		clientMsgID = ""
	}
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		ClientMsgID:    clientMsgID,
		SenderID:       m.SenderID,
		Content:        m.Content.Wire(),
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
		DeletedAt:      m.DeletedAt,
	}
}

// Wire converts c to its protocol shape.
func (c Conversation) Wire() v1.Conversation {
	out := v1.Conversation{
		ID:          c.ID,
		SubjectKind: string(c.Subject.Kind),
		SubjectID:   c.Subject.ID,
		BuyerID:     c.BuyerID,
		SellerID:    c.SellerID,
		BuyerMuted:  c.BuyerMuted,
		SellerMuted: c.SellerMuted,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if !c.LastMessageAt.IsZero() {
		t := c.LastMessageAt
		out.LastMessageAt = &t
	}
	return out
}

// WireMessages converts a page of messages.
func WireMessages(ms []Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Wire())
	}
	return out
}
