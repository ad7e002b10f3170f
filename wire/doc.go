// Package wire implements the binary frame format spoken on the broker's
// publisher and subscriber ports.
//
// Two frame types exist. Both use big-endian u32 length prefixes and carry no
// version byte or checksum:
//
//	Message:             u32 topic_len | topic | u32 payload_len | payload
//	SubscriptionRequest: u32 topic_count | topic_count × (u32 topic_len | topic)
//
// Topics must be valid UTF-8; payloads are opaque bytes.
//
// A publisher writes a stream of Message frames and never reads. A subscriber
// writes exactly one SubscriptionRequest right after connecting and then only
// reads Message frames:
//
//	conn, err := net.Dial("tcp", "localhost:7001")
//	if err != nil {
//	    return err
//	}
//	if err := wire.WriteSubscriptionRequest(conn, wire.SubscriptionRequest{Topics: []string{"test"}}); err != nil {
//	    return err
//	}
//	for {
//	    msg, err := wire.ReadMessage(conn)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(msg.Topic, string(msg.Payload))
//	}
//
// Decoding does not cap declared lengths. A peer that announces a 4 GiB frame
// makes the reader allocate 4 GiB; deployments exposed to untrusted peers
// need to account for that.
package wire
