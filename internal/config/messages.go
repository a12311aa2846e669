package config

// DefaultMessages returns the stock moderation message templates. Each
// template takes the player's display name as its single %s argument.
// Deployments usually replace these with localized variants; every entry
// in a list is sent as its own chat message.
func DefaultMessages() MessageConfig {
	return MessageConfig{
		Welcome: []string{
			`Welcome %s to the team! Here are a few rules and notes:
1.) In challenge matches against family teams we always play for a tie
2.) Please sell cards regularly
3.) Most of the chatting happens on our Discord server
4.) If you have any questions, just ask away`,
		},
		Banned: []string{
			`%s, you are banned from this team family. If you want to appeal this decision, talk to us on Discord.`,
		},
		Warning: []string{
			`Careful %s! We tie in challenge matches with teammates of all family teams!
After a complaint you have been issued a yellow card. Please apologize on Discord, or forfeit
a game against one of your team members to get rid of the warning.`,
		},
	}
}
