package i18n

// The catalogs are keyed by language code, then by "section.name".
// German translations that are missing fall back to English at lookup time.
var catalogs = map[string]map[string]string{
	"en": {
		"admin_room.connection_instructions": "Hi, I'm the Rocket.Chat application service.\n\n" +
			"To connect a Rocket.Chat server, configure an outgoing webhook that posts to " +
			"${as_url}/rocketchat and send me\n\n" +
			"`connect <rocketchat_url> <webhook_token> <server_id>`\n\n" +
			"Connected servers:\n${server_list}",
		"admin_room.login_instructions": "You are connected to ${rocketchat_url}. " +
			"Log in with\n\n`login <username> <password>`\n\n" +
			"(${matrix_user_id} via ${as_url})",
		"admin_room.usage_instructions": "You are logged in on ${rocketchat_url}. Available commands:\n\n" +
			"`list` shows all channels\n\n" +
			"`bridge <channel>` bridges a channel\n\n" +
			"`unbridge <channel>` removes a bridge\n\n" +
			"`help` shows this message",
		"admin_room.no_rocketchat_server_connected": "No Rocket.Chat server is connected yet.\n",
		"admin_room.list_channels":                  "Channels:\n${channel_list}",
		"admin_room.room_successfully_bridged":      "The channel ${channel_name} is now bridged. Happy chatting!",
		"admin_room.room_successfully_unbridged":    "The channel ${channel_name} is no longer bridged.",
		"admin_room.login_successful":               "You are logged in on ${rocketchat_url}. Type `help` to see the available commands.",

		"defaults.admin_room_display_name": "Admin Room (Rocket.Chat)",

		"errors.internal":                                "An internal error occurred, please check the application service logs.",
		"errors.room_already_connected":                  "This room is already connected to a Rocket.Chat server.",
		"errors.room_not_connected":                      "This room is not connected to a Rocket.Chat server, use `connect` first.",
		"errors.connect_without_rocketchat_server_id":    "You have to provide an id to connect a new Rocket.Chat server (`connect <url> <token> <id>`).",
		"errors.connect_with_invalid_rocketchat_server_id": "The id `${rocketchat_server_id}` is not valid, it has to be at most ${max_rocketchat_server_id_length} characters from [0-9a-z_].",
		"errors.rocketchat_server_id_already_in_use":     "The id `${rocketchat_server_id}` is already in use by another server.",
		"errors.rocketchat_server_already_connected":     "The Rocket.Chat server ${rocketchat_url} is already connected; open a new admin room and use `connect ${rocketchat_url}` to use it.",
		"errors.token_already_in_use":                    "The token `${token}` is already in use by another server.",
		"errors.rocketchat_token_missing":                "A token is needed to connect a new Rocket.Chat server.",
		"errors.no_rocketchat_server":                    "No Rocket.Chat server found at ${rocketchat_url}.",
		"errors.rocketchat_api_not_supported":            "The Rocket.Chat server at ${rocketchat_url} does not support API version v1.",
		"errors.login_failed":                            "Login failed: ${message}",
		"errors.not_logged_in":                           "You are not logged in, use `login <username> <password>` first.",
		"errors.rocketchat_channel_not_found":            "No channel ${channel_name} found on the Rocket.Chat server.",
		"errors.rocketchat_join_first":                   "You have to join the channel ${channel_name} on Rocket.Chat before you can bridge it.",
		"errors.rocketchat_channel_already_bridged":      "The channel ${channel_name} is already bridged for you.",
		"errors.unbridge_of_not_bridged_room":            "The channel ${channel_name} is not bridged, cannot unbridge it.",
		"errors.room_not_empty":                          "The channel ${channel_name} is still used by ${users}. Ask them to leave the room before unbridging it.",
		"errors.inviter_unknown":                         "The user who invited the bot could not be determined.",
		"errors.only_room_creator_can_invite_bot_user":   "Only the room creator can invite the Rocket.Chat bot, please create a new room and invite the bot again.",
		"errors.too_many_members_in_room":                "Admin rooms must only contain you and the bot, please create a new room and invite the bot again.",
		"errors.other_user_joined":                       "Another user joined the admin room; the bot is leaving because admin rooms must be private.",
	},
	"de": {
		"admin_room.no_rocketchat_server_connected": "Es ist noch kein Rocket.Chat-Server verbunden.\n",
		"admin_room.room_successfully_bridged":      "Der Kanal ${channel_name} ist jetzt verbunden. Viel Spass!",
		"admin_room.room_successfully_unbridged":    "Der Kanal ${channel_name} ist nicht mehr verbunden.",
		"admin_room.login_successful":               "Du bist auf ${rocketchat_url} angemeldet. Tippe `help` fuer die verfuegbaren Befehle.",

		"defaults.admin_room_display_name": "Admin-Raum (Rocket.Chat)",

		"errors.internal":                     "Es ist ein interner Fehler aufgetreten, bitte pruefe die Logs des Application Service.",
		"errors.room_already_connected":       "Dieser Raum ist bereits mit einem Rocket.Chat-Server verbunden.",
		"errors.room_not_connected":           "Dieser Raum ist mit keinem Rocket.Chat-Server verbunden, benutze zuerst `connect`.",
		"errors.rocketchat_channel_not_found": "Kein Kanal ${channel_name} auf dem Rocket.Chat-Server gefunden.",
		"errors.room_not_empty":               "Der Kanal ${channel_name} wird noch von ${users} benutzt. Bitte sie, den Raum zu verlassen, bevor du die Verbindung trennst.",
	},
}
